// Package tftpserver implements the in-process TFTP endpoint (spec C5) that
// serves bulk image transfers to a device's U-boot console during a reset.
//
// Grounded on mantle's own go.mod dependency github.com/pin/tftp, used in
// mantle/kola/tests/ignition/resource.go to serve a resource to a booting
// machine with a ReadHandler closure — the same "serve files rooted at a
// directory, reject everything else" shape this component needs, just with
// both read and write handlers and the path confined to a real directory
// rather than two hard-coded in-memory files.
package tftpserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pin/tftp"
	"github.com/pkg/errors"

	"github.com/sbtinstruments/wright/internal/wrighterrors"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "tftpserver")

const (
	blockSize = 1468
	// windowSize matches the U-boot side's tftpwindowsize setenv (spec
	// §6); pin/tftp negotiates block size only, so window size is just
	// documented here for the other end of the wire.
	windowSize = 256
)

// Server is a read-write TFTP endpoint rooted at a directory, for the
// lifetime of one U-boot execution context.
type Server struct {
	root  string
	tsrv  *tftp.Server
	errCh chan error
}

// New builds a Server rooted at root; root must already exist.
func New(root string) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "tftpserver: resolve root %s", root)
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return nil, errors.Wrapf(err, "tftpserver: root %s is not a directory", abs)
	}

	s := &Server{root: abs, errCh: make(chan error, 1)}
	s.tsrv = tftp.NewServer(s.handleRead, s.handleWrite)
	s.tsrv.SetBlockSize(blockSize)
	s.tsrv.SetTimeout(5 * time.Second)
	return s, nil
}

// resolve confines filename to s.root: a leading "/" is taken relative to
// the root, and a name whose ".." elements lead outside the root after
// cleaning is rejected.
func (s *Server) resolve(filename string) (string, error) {
	full := filepath.Join(s.root, filename)

	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &wrighterrors.ValidationError{Detail: "tftp path escapes root: " + filename}
	}
	return full, nil
}

func (s *Server) handleRead(filename string, rf io.ReaderFrom) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		plog.Warningf("tftp read %s: %v", filename, err)
		return err
	}
	defer f.Close()
	_, err = rf.ReadFrom(f)
	return err
}

func (s *Server) handleWrite(filename string, wt io.WriterTo) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		plog.Warningf("tftp write %s: %v", filename, err)
		return err
	}
	defer f.Close()
	_, err = wt.WriteTo(f)
	return err
}

// Serve starts listening on addr (host:port) in a background goroutine.
// The listener's exit error is returned by Stop.
func (s *Server) Serve(addr string) {
	go func() {
		plog.Infof("tftp: listening on %s, root %s", addr, s.root)
		s.errCh <- s.tsrv.ListenAndServe(addr)
	}()
}

// Stop shuts the server down, releasing the listening socket.
func (s *Server) Stop(ctx context.Context) error {
	s.tsrv.Shutdown()
	select {
	case err := <-s.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
