package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is the quiet period after a file event before the
// certificate is reloaded. Renewal tools write the key and certificate in
// separate steps.
const defaultDebounce = 200 * time.Millisecond

// CertificateReloader serves the certificate loaded from a key pair on
// disk and reloads it when the files change. A reload that fails keeps
// the previous certificate.
type CertificateReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	debounce time.Duration

	mu   sync.RWMutex
	cert *tls.Certificate

	// onReload is called after every reload attempt.
	onReload func(error)

	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// NewCertificateReloader loads the key pair and returns a reloader
// serving it. Watching starts with Watch.
func NewCertificateReloader(certFile, keyFile string, logger *slog.Logger) (*CertificateReloader, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("cert_file and key_file are required when TLS is enabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertificateReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger.With("component", "tls.reloader"),
		debounce: defaultDebounce,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	r.logCertificateInfo()
	return r, nil
}

// GetCertificate returns the current certificate. It implements
// tls.Config.GetCertificate.
func (r *CertificateReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Reload loads the key pair from disk and swaps it in when valid.
func (r *CertificateReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}
	if err := ValidateCertificate(&cert, time.Now()); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// Watch reloads the certificate whenever the certificate or key file
// changes, until ctx is cancelled or Close is called. The parent
// directories are watched so that files replaced by rename are seen.
func (r *CertificateReloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dirs := map[string]bool{
		filepath.Dir(r.certFile): true,
		filepath.Dir(r.keyFile):  true,
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}

	r.mu.Lock()
	r.watcher = w
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx, w)
	r.logger.Info("watching certificate files", "cert_file", r.certFile, "key_file", r.keyFile)
	return nil
}

func (r *CertificateReloader) loop(ctx context.Context, w *fsnotify.Watcher) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.stop()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !r.relevant(ev) {
				continue
			}
			r.logger.Debug("certificate file event", "path", ev.Name, "op", ev.Op.String())
			r.schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Error("certificate watcher error", "error", err)
		}
	}
}

func (r *CertificateReloader) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == filepath.Clean(r.certFile) || name == filepath.Clean(r.keyFile)
}

// schedule debounces reloads.
func (r *CertificateReloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.reloadNow)
}

func (r *CertificateReloader) reloadNow() {
	err := r.Reload()
	if err != nil {
		r.logger.Error("failed to reload certificate",
			"error", err,
			"cert_file", r.certFile,
			"key_file", r.keyFile,
		)
	} else {
		r.logger.Info("certificate reloaded", "cert_file", r.certFile)
		r.logCertificateInfo()
	}
	if r.onReload != nil {
		r.onReload(err)
	}
}

func (r *CertificateReloader) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
}

// Close stops watching. It is safe to call when Watch was never called.
func (r *CertificateReloader) Close() error {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()

	r.stop()
	if done != nil {
		<-done
	}
	return nil
}

// logCertificateInfo logs information about the currently loaded
// certificate.
func (r *CertificateReloader) logCertificateInfo() {
	cert, _ := r.GetCertificate(nil)
	if cert == nil || len(cert.Certificate) == 0 {
		return
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return
	}

	days, warning := CheckCertificateExpiration(x509Cert.NotAfter, time.Now())
	if warning != "" {
		r.logger.Warn("certificate expiring soon",
			"subject", x509Cert.Subject.CommonName,
			"expires_in_days", days,
			"expires_at", x509Cert.NotAfter.Format(time.RFC3339),
		)
		return
	}
	r.logger.Info("certificate loaded",
		"subject", x509Cert.Subject.CommonName,
		"issuer", x509Cert.Issuer.CommonName,
		"expires_in_days", days,
		"expires_at", x509Cert.NotAfter.Format(time.RFC3339),
	)
}
