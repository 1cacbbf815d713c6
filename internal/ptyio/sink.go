package ptyio

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/subscription"
)

// Format selects how notifications are rendered on the stream.
type Format string

const (
	// FormatText writes one line per notification:
	// "<address> <characteristic> <N|I> <hex payload>", I for indications.
	FormatText Format = "text"
	// FormatRaw writes the payload bytes unframed.
	FormatRaw Format = "raw"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatRaw:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown stream format %q (expected text or raw)", s)
	}
}

// Sink streams notifications into a writer, usually a PTY.
type Sink struct {
	w      io.Writer
	format Format
	logger *logrus.Logger
}

// NewSink creates a sink writing to w.
func NewSink(w io.Writer, format Format, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = noopLogger
	}
	if format == "" {
		format = FormatText
	}
	return &Sink{w: w, format: format, logger: logger}
}

// Render formats one notification.
func (s *Sink) Render(n subscription.Notification) []byte {
	if s.format == FormatRaw {
		return n.Data
	}
	kind := "N"
	if n.Indication {
		kind = "I"
	}
	return []byte(fmt.Sprintf("%s %s %s %s\n", n.Peer, n.CharacteristicUUID, kind, hex.EncodeToString(n.Data)))
}

// Handle writes one notification. Short writes are logged; the PTY already
// counts the dropped bytes.
func (s *Sink) Handle(n subscription.Notification) {
	data := s.Render(n)
	if len(data) == 0 {
		return
	}
	written, err := s.w.Write(data)
	if err != nil {
		s.logger.WithError(err).Debug("Notification stream write failed")
		return
	}
	if written < len(data) {
		s.logger.WithFields(logrus.Fields{
			"characteristic": n.CharacteristicUUID,
			"dropped":        len(data) - written,
		}).Debug("Notification stream overflow")
	}
}

// Handler adapts the sink to a subscription handler.
func (s *Sink) Handler() subscription.Handler {
	return s.Handle
}
