package internal

import "log/slog"

// NewNATSPublisherWithConn 測試用：注入假的 NATS 連接
func NewNATSPublisherWithConn(conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}, prefix string, logger *slog.Logger) *NATSPublisher {
	return newNATSPublisher(conn, prefix, logger)
}

// SubjectToken 測試用
var SubjectToken = subjectToken
