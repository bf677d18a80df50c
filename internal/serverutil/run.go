// Package serverutil runs an http.Server under a context: bind the
// listener, wrap it in TLS when certificates are configured, signal
// readiness, and shut down gracefully when the context is cancelled. The
// auxiliary vodhub commands share it so every binary stops the same way.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"
)

// TLSConfig names the certificate and key files for a TLS listener. Both
// paths must be set together; leaving both empty serves plain HTTP.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config describes one server run.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration

	// Ready is closed once the listener is accepting connections. It is
	// never closed when startup fails.
	Ready chan<- struct{}

	// Drain runs after the listener has stopped, bounded by the shutdown
	// deadline. Work started by requests that outlives them finishes here.
	Drain func(context.Context) error
}

// DefaultShutdownTimeout bounds graceful shutdown when Config leaves
// ShutdownTimeout unset.
const DefaultShutdownTimeout = 10 * time.Second

// Run serves cfg.Server until it fails or ctx is cancelled. On
// cancellation it stops accepting connections, waits for in-flight
// requests up to the shutdown timeout, then invokes Drain.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("http server is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	runErr := cfg.Server.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if runErr == nil {
			runErr = shutdownCtx.Err()
		}
	}

	if cfg.Drain != nil {
		if err := cfg.Drain(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}

	return runErr
}

// listen binds the server address, wrapping the listener in TLS when a
// certificate pair is configured. The pair is loaded up front so a bad
// path surfaces at startup rather than on the first handshake.
func listen(srv *http.Server, cfg TLSConfig) (net.Listener, error) {
	hasCert := cfg.CertFile != ""
	if hasCert != (cfg.KeyFile != "") {
		return nil, errors.New("tls cert file and key file must be set together")
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}
	if !hasCert {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}

	tlsCfg := srv.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	srv.TLSConfig = tlsCfg

	return tls.NewListener(ln, tlsCfg), nil
}
