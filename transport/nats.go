package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Request/reply subjects served by the journal backend.
const (
	subjectVerify  = "journal.tags.verify"
	subjectCatalog = "journal.tags.catalog"
	subjectDelete  = "journal.tags.delete"
)

// NATSOptions configure the NATS-backed server client.
type NATSOptions struct {
	URL             string
	Name            string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
	RequestTimeout  time.Duration
}

// NATSServer implements Server over NATS request/reply.
type NATSServer struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  zerolog.Logger
}

// NewNATSServer connects to NATS and returns a server client.
func NewNATSServer(cfg NATSOptions, logger zerolog.Logger) (*NATSServer, error) {
	logger = logger.With().Str("component", "transport").Logger()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSServer{conn: conn, timeout: timeout, logger: logger}, nil
}

type verifyRequest struct {
	TagID         string `cbor:"1,keyasint"`
	CandidateHash []byte `cbor:"2,keyasint"`
}

type verifyResponse struct {
	Match bool `cbor:"1,keyasint"`
}

type catalogResponse struct {
	Tags []ServerTag `cbor:"1,keyasint"`
}

type deleteRequest struct {
	TagID string `cbor:"1,keyasint"`
}

type deleteResponse struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

// VerifyTagHash asks the backend to compare candidateHash against its record.
func (s *NATSServer) VerifyTagHash(ctx context.Context, tagID string, candidateHash []byte) (bool, error) {
	req := verifyRequest{TagID: tagID, CandidateHash: candidateHash}
	var resp verifyResponse
	if err := s.request(ctx, subjectVerify, req, &resp); err != nil {
		return false, err
	}
	return resp.Match, nil
}

// FetchTagCatalog returns the backend's tag records.
func (s *NATSServer) FetchTagCatalog(ctx context.Context) ([]ServerTag, error) {
	var resp catalogResponse
	if err := s.request(ctx, subjectCatalog, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

// DeleteTag removes the backend's record for tagID.
func (s *NATSServer) DeleteTag(ctx context.Context, tagID string) error {
	var resp deleteResponse
	if err := s.request(ctx, subjectDelete, deleteRequest{TagID: tagID}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("transport: server refused tag delete: %s", resp.Error)
	}
	return nil
}

func (s *NATSServer) request(ctx context.Context, subject string, req, resp interface{}) error {
	data, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("transport: failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) ||
			errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("transport: request on %s failed: %w", subject, err)
	}
	if err := cbor.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("transport: failed to decode response: %w", err)
	}
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (s *NATSServer) IsConnected() bool {
	return s.conn.IsConnected()
}

// Close closes the NATS connection.
func (s *NATSServer) Close() {
	s.conn.Close()
}
