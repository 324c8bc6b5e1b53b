package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/prxssh/parakeet/internal/protocol"
	"github.com/prxssh/parakeet/internal/security"
	"github.com/prxssh/parakeet/internal/throttle"
)

// chunkSize is the plaintext granularity of a file stream. Each chunk is
// encrypted and framed independently, so a receiver can validate and write
// as it goes.
const chunkSize = 64 * 1024

// Send opens a connection, writes one framed payload, and closes. There is
// no response channel: control packets are fire-and-forget, delivery
// feedback comes from whether the dial and write succeeded.
func Send(addr netip.AddrPort, payload []byte, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr.String(), timeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	return nil
}

// StreamFile pushes a file to addr on a dedicated connection: first the
// already-encrypted header frame, then the file in encrypted chunk frames.
// The clean close at the end is the end-of-stream marker.
//
// The throttle charges ciphertext bytes, so the configured limit matches
// what actually leaves the host. Every network operation renews opTimeout;
// a stalled receiver fails the transfer rather than wedging the sender.
func StreamFile(
	ctx context.Context,
	addr netip.AddrPort,
	path string,
	header []byte,
	sess *security.Session,
	bucket *throttle.Bucket,
	opTimeout time.Duration,
) error {
	conn, err := net.DialTimeout("tcp", addr.String(), opTimeout)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(opTimeout))
	if err := protocol.WriteFrame(conn, header); err != nil {
		return fmt.Errorf("transport: send stream header: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("transport: open stream source: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			enc, err := sess.Encrypt(buf[:n])
			if err != nil {
				return err
			}
			if err := bucket.WaitN(ctx, len(enc)); err != nil {
				return fmt.Errorf("transport: throttle wait: %w", err)
			}

			conn.SetWriteDeadline(time.Now().Add(opTimeout))
			if err := protocol.WriteFrame(conn, enc); err != nil {
				return fmt.Errorf("transport: send chunk: %w", err)
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("transport: read stream source: %w", readErr)
		}
	}
}
