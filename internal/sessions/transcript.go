package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrTranscriptWrite marks transcript append failures. Fatal to the turn:
// in-memory state is not updated when an append fails.
var ErrTranscriptWrite = errors.New("sessions: transcript write failed")

// appendTranscriptLine appends one message as a JSON line. The caller must
// hold the session write lock.
func appendTranscriptLine(path string, msg *models.Message) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}
	return nil
}

// readTranscript loads all messages from a transcript file. Readers may run
// without the write lock and observe a consistent prefix; a partial trailing
// line (torn write) is ignored.
func readTranscript(path string) ([]*models.Message, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []*models.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Tolerate a torn trailing line; anything else in the middle
			// of the file is skipped the same way.
			continue
		}
		msgCopy := msg
		messages = append(messages, &msgCopy)
	}
	if err := scanner.Err(); err != nil {
		return messages, err
	}
	return messages, nil
}
