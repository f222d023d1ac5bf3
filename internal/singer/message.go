package singer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dbsmedya/tap-bigquery/internal/types"
)

// MessageType is the "type" field of a Singer message.
type MessageType string

// Singer message types.
const (
	MessageSchema MessageType = "SCHEMA"
	MessageRecord MessageType = "RECORD"
	MessageState  MessageType = "STATE"
	MessageBatch  MessageType = "BATCH"
)

// SchemaMessage announces a stream's schema.
type SchemaMessage struct {
	Type               MessageType `json:"type"`
	Stream             string      `json:"stream"`
	Schema             *Schema     `json:"schema"`
	KeyProperties      []string    `json:"key_properties"`
	BookmarkProperties []string    `json:"bookmark_properties,omitempty"`
}

// RecordMessage carries one row.
type RecordMessage struct {
	Type          MessageType  `json:"type"`
	Stream        string       `json:"stream"`
	Record        types.Record `json:"record"`
	TimeExtracted string       `json:"time_extracted,omitempty"`
}

// StateMessage carries the state document.
type StateMessage struct {
	Type  MessageType `json:"type"`
	Value interface{} `json:"value"`
}

// BatchEncoding describes the files referenced by a BATCH message.
type BatchEncoding struct {
	Format      string `json:"format"`
	Compression string `json:"compression,omitempty"`
}

// BatchMessage references files holding a stream's records.
type BatchMessage struct {
	Type     MessageType   `json:"type"`
	Stream   string        `json:"stream"`
	Encoding BatchEncoding `json:"encoding"`
	Manifest []string      `json:"manifest"`
}

// Message is a decoded message of any type, used when reading a message stream back.
type Message struct {
	Type          MessageType     `json:"type"`
	Stream        string          `json:"stream,omitempty"`
	Schema        *Schema         `json:"schema,omitempty"`
	KeyProperties []string        `json:"key_properties,omitempty"`
	Record        types.Record    `json:"record,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	Encoding      *BatchEncoding  `json:"encoding,omitempty"`
	Manifest      []string        `json:"manifest,omitempty"`
}

// Writer serialises Singer messages, one JSON object per line.
// It is safe for concurrent use by several stream extractors.
type Writer struct {
	mu     sync.Mutex
	out    *bufio.Writer
	counts map[MessageType]int64
}

// NewWriter creates a Writer on w, normally os.Stdout.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		out:    bufio.NewWriterSize(w, 64*1024),
		counts: make(map[MessageType]int64),
	}
}

// WriteSchema writes a SCHEMA message.
func (w *Writer) WriteSchema(stream string, schema *Schema, keyProperties, bookmarkProperties []string) error {
	if keyProperties == nil {
		keyProperties = []string{}
	}
	return w.write(MessageSchema, SchemaMessage{
		Type:               MessageSchema,
		Stream:             stream,
		Schema:             schema,
		KeyProperties:      keyProperties,
		BookmarkProperties: bookmarkProperties,
	}, false)
}

// WriteRecord writes a RECORD message.
func (w *Writer) WriteRecord(stream string, record types.Record, extractedAt time.Time) error {
	msg := RecordMessage{Type: MessageRecord, Stream: stream, Record: record}
	if !extractedAt.IsZero() {
		msg.TimeExtracted = extractedAt.UTC().Format(time.RFC3339Nano)
	}
	return w.write(MessageRecord, msg, false)
}

// WriteState writes a STATE message and flushes, so every record written
// before it has reached the consumer by the time the state is visible.
// The snapshot is taken under the writer lock so STATE messages from
// concurrent streams never regress each other.
func (w *Writer) WriteState(state *State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(StateMessage{Type: MessageState, Value: state.Value()})
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", MessageState, err)
	}
	return w.emit(MessageState, data, true)
}

// WriteBatch writes a BATCH message.
func (w *Writer) WriteBatch(stream string, encoding BatchEncoding, manifest []string) error {
	return w.write(MessageBatch, BatchMessage{
		Type:     MessageBatch,
		Stream:   stream,
		Encoding: encoding,
		Manifest: manifest,
	}, false)
}

// Flush writes any buffered messages.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Flush()
}

// Count returns how many messages of a type were written.
func (w *Writer) Count(t MessageType) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[t]
}

func (w *Writer) write(t MessageType, msg interface{}, flush bool) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", t, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emit(t, data, flush)
}

// emit writes one encoded message; the caller holds w.mu.
func (w *Writer) emit(t MessageType, data []byte, flush bool) error {
	if _, err := w.out.Write(data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", t, err)
	}
	if err := w.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write %s message: %w", t, err)
	}
	w.counts[t]++

	if flush {
		if err := w.out.Flush(); err != nil {
			return fmt.Errorf("failed to flush messages: %w", err)
		}
	}
	return nil
}

// ReadMessages decodes a newline-delimited message stream.
func ReadMessages(r io.Reader) ([]Message, error) {
	var out []Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var msg Message
		dec := json.NewDecoder(bytes.NewReader(scanner.Bytes()))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
