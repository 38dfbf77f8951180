package backend

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrNoBackend is returned by Open when neither a command nor an address
// is configured.
var ErrNoBackend = errors.New("no simulation backend configured")

// Spec selects a backend from command-line style settings. Addr wins over
// Command.
type Spec struct {
	// Command is a whitespace separated command line run per point.
	Command string
	// Addr is the host:port of a remote worker.
	Addr string
	Log  logging.Logger
}

// Open builds the backend described by spec. The returned close function
// releases any connection and is never nil.
func Open(spec Spec, opts ...grpc.DialOption) (Backend, func() error, error) {
	noop := func() error { return nil }
	switch {
	case spec.Addr != "":
		if len(opts) == 0 {
			opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		}
		conn, err := Dial(spec.Addr, opts...)
		if err != nil {
			return nil, noop, err
		}
		return NewRemote(conn), conn.Close, nil
	case strings.TrimSpace(spec.Command) != "":
		fields := strings.Fields(spec.Command)
		return &Process{Command: fields[0], Args: fields[1:], Log: spec.Log}, noop, nil
	default:
		return nil, noop, ErrNoBackend
	}
}

// WithinRoot reports whether dir resolves to root or a path below it.
func WithinRoot(root, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
