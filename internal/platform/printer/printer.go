// Package printer sends raw label data to network printers registered for a
// location.
package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/ianaindex"
)

const TypeLabel = "LABEL"

var (
	ErrNoPrinter   = errors.New("no printer configured for location")
	ErrPrintFailed = errors.New("print failed")
)

type Printer struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	LocationID uuid.UUID `json:"location_id"`
	IPAddress  string    `json:"ip_address"`
	Port       int       `json:"port"`
}

func (p *Printer) Addr() string {
	return net.JoinHostPort(p.IPAddress, strconv.Itoa(p.Port))
}

// Registry finds the printer of a given type serving a location.
type Registry interface {
	DefaultPrinter(ctx context.Context, printerType string, locationID uuid.UUID) (*Printer, error)
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// SocketDispatcher writes label payloads to the label printer of the target
// location over a raw TCP socket (port 9100 on most Zebra printers).
type SocketDispatcher struct {
	registry Registry
	timeout  time.Duration
	dial     DialFunc
	logger   zerolog.Logger

	mu        sync.Mutex
	busyUntil map[uuid.UUID]time.Time
}

func NewSocketDispatcher(registry Registry, timeout time.Duration, logger zerolog.Logger) *SocketDispatcher {
	d := &net.Dialer{}
	return &SocketDispatcher{
		registry:  registry,
		timeout:   timeout,
		dial:      d.DialContext,
		logger:    logger.With().Str("component", "printer").Logger(),
		busyUntil: make(map[uuid.UUID]time.Time),
	}
}

// WithDialer replaces the network dialer. Used by tests.
func (d *SocketDispatcher) WithDialer(dial DialFunc) *SocketDispatcher {
	d.dial = dial
	return d
}

// Print encodes data with the named charset and sends it to the label printer
// at locationID. labelCount sizes the cool-down during which later jobs for
// the same printer wait, so a burst of labels does not overrun its buffer.
func (d *SocketDispatcher) Print(ctx context.Context, data, charset string, locationID uuid.UUID, labelCount int) error {
	p, err := d.registry.DefaultPrinter(ctx, TypeLabel, locationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrintFailed, err)
	}

	payload, err := Encode(data, charset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrintFailed, err)
	}

	if err := d.waitForPrinter(ctx, p.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrPrintFailed, err)
	}
	defer d.markBusy(p.ID, cooldown(labelCount))

	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	conn, err := d.dial(dialCtx, "tcp", p.Addr())
	if err != nil {
		return fmt.Errorf("%w: dial %s (%s): %v", ErrPrintFailed, p.Name, p.Addr(), err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(d.timeout))
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write to %s: %v", ErrPrintFailed, p.Name, err)
	}

	d.logger.Info().
		Str("printer", p.Name).
		Str("location_id", locationID.String()).
		Int("bytes", len(payload)).
		Int("labels", labelCount).
		Msg("label data sent")
	return nil
}

func cooldown(labelCount int) time.Duration {
	return time.Duration(500+labelCount*100) * time.Millisecond
}

func (d *SocketDispatcher) waitForPrinter(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	until := d.busyUntil[id]
	d.mu.Unlock()

	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *SocketDispatcher) markBusy(id uuid.UUID, delay time.Duration) {
	d.mu.Lock()
	d.busyUntil[id] = time.Now().Add(delay)
	d.mu.Unlock()
}

// Encode converts data to the IANA-named charset. An empty name means UTF-8.
func Encode(data, charset string) ([]byte, error) {
	if charset == "" {
		return []byte(data), nil
	}
	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	out, err := enc.NewEncoder().String(data)
	if err != nil {
		return nil, fmt.Errorf("encode label as %s: %w", charset, err)
	}
	return []byte(out), nil
}
