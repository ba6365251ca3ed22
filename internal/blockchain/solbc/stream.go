// internal/blockchain/solbc/stream.go
package solbc

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"go.uber.org/zap"
)

var errSubscriptionClosed = errors.New("subscription closed")

// LogStreamer opens logsSubscribe streams over websocket. Every subscription
// owns its connection so one wallet's disconnect never affects another.
type LogStreamer struct {
	wsURL  string
	logger *zap.Logger
}

func NewLogStreamer(wsURL string, logger *zap.Logger) *LogStreamer {
	return &LogStreamer{wsURL: wsURL, logger: logger.Named("log-stream")}
}

// LogStream is one live logsSubscribe stream for an address.
type LogStream struct {
	conn *ws.Client
	sub  *ws.LogSubscription
}

// Subscribe streams transactions mentioning address at confirmed commitment.
func (s *LogStreamer) Subscribe(ctx context.Context, address string) (*LogStream, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", address, err)
	}
	conn, err := ws.Connect(ctx, s.wsURL)
	if err != nil {
		return nil, fmt.Errorf("ws connect: %w", err)
	}
	sub, err := conn.LogsSubscribeMentions(pk, rpc.CommitmentConfirmed)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("logsSubscribe %s: %w", address, err)
	}
	s.logger.Debug("Subscribed", zap.String("address", address))
	return &LogStream{conn: conn, sub: sub}, nil
}

// Recv blocks for the next notification or until ctx is done. Any error
// means the stream is dead and must be closed.
func (l *LogStream) Recv(ctx context.Context) (LogNotification, error) {
	var res *ws.LogResult
	select {
	case <-ctx.Done():
		return LogNotification{}, ctx.Err()
	case err := <-l.sub.Err():
		// Unsubscribe delivers a nil error before closing the channel.
		if err == nil {
			err = errSubscriptionClosed
		}
		return LogNotification{}, err
	case res = <-l.sub.Response():
	}
	if res == nil {
		return LogNotification{}, fmt.Errorf("empty notification")
	}
	return LogNotification{
		Signature: res.Value.Signature.String(),
		Slot:      res.Context.Slot,
		Failed:    res.Value.Err != nil,
		Logs:      res.Value.Logs,
	}, nil
}

func (l *LogStream) Close() error {
	l.sub.Unsubscribe()
	l.conn.Close()
	return nil
}
