package push

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"gearhub/cmd/identity/ids"
)

// ErrKeyMismatch means a subscription exists for a different application server key.
var ErrKeyMismatch = errors.New("push: existing subscription uses a different server key")

// HeadlessConfig configures HeadlessPlatform.
type HeadlessConfig struct {
	// EndpointBase prefixes generated subscription endpoints.
	EndpointBase string
	// Permission is the initial permission state.
	Permission Permission
	// PromptAnswer is the outcome of a permission prompt from the default state.
	PromptAnswer Permission
	Device       DeviceInfo
}

// HeadlessPlatform is a Platform for agents without a browser. It generates the
// subscription key material itself and keeps one subscription in memory.
type HeadlessPlatform struct {
	cfg HeadlessConfig

	mu      sync.Mutex
	perm    Permission
	prompts int
	sub     *Subscription
	subKey  []byte
	priv    *ecdh.PrivateKey
	auth    []byte
}

// NewHeadlessPlatform constructs a HeadlessPlatform.
func NewHeadlessPlatform(cfg HeadlessConfig) *HeadlessPlatform {
	cfg.EndpointBase = strings.TrimRight(strings.TrimSpace(cfg.EndpointBase), "/")
	if cfg.EndpointBase == "" {
		cfg.EndpointBase = "https://push.invalid/headless"
	}
	if cfg.Permission == "" {
		cfg.Permission = PermissionDefault
	}
	if cfg.PromptAnswer == "" {
		cfg.PromptAnswer = PermissionGranted
	}
	if cfg.Device.ID == "" {
		cfg.Device.ID = ids.MustNew()
	}
	if cfg.Device.Platform == "" {
		cfg.Device.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	if cfg.Device.UserAgent == "" {
		cfg.Device.UserAgent = "gearhub-agent"
	}
	return &HeadlessPlatform{cfg: cfg, perm: cfg.Permission}
}

func (p *HeadlessPlatform) Capabilities() Capabilities {
	return Capabilities{ServiceWorker: true, PushManager: true, Notifications: true}
}

func (p *HeadlessPlatform) Permission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perm
}

// RequestPermission answers from the configured PromptAnswer. Only the default
// state prompts.
func (p *HeadlessPlatform) RequestPermission(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return PermissionDefault, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perm != PermissionDefault {
		return p.perm, nil
	}
	p.prompts++
	p.perm = p.cfg.PromptAnswer
	return p.perm, nil
}

// Prompts reports how many permission prompts were shown.
func (p *HeadlessPlatform) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func (p *HeadlessPlatform) ServiceWorker(context.Context) (Worker, error) {
	return headlessWorker{p}, nil
}

func (p *HeadlessPlatform) Device() DeviceInfo { return p.cfg.Device }

// PrivateKey returns the subscription's P-256 private key, or nil. Payload
// decryption needs it.
func (p *HeadlessPlatform) PrivateKey() *ecdh.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priv
}

type headlessWorker struct{ p *HeadlessPlatform }

func (w headlessWorker) Subscription(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.p.sub == nil {
		return nil, nil
	}
	s := *w.p.sub
	return &s, nil
}

func (w headlessWorker) Subscribe(ctx context.Context, key []byte) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.p.mu.Lock()
	defer w.p.mu.Unlock()

	if w.p.perm != PermissionGranted {
		return nil, ErrPermissionDenied
	}
	if w.p.sub != nil {
		if !bytes.Equal(w.p.subKey, key) {
			return nil, ErrKeyMismatch
		}
		s := *w.p.sub
		return &s, nil
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("push: generate key: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("push: generate auth secret: %w", err)
	}

	w.p.priv = priv
	w.p.auth = auth
	w.p.subKey = bytes.Clone(key)
	w.p.sub = &Subscription{
		Endpoint: w.p.cfg.EndpointBase + "/" + ids.MustNew(),
		Keys: Keys{
			P256DH: EncodeKey(priv.PublicKey().Bytes()),
			Auth:   EncodeKey(auth),
		},
	}
	s := *w.p.sub
	return &s, nil
}

func (w headlessWorker) Unsubscribe(ctx context.Context, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.p.sub == nil || w.p.sub.Endpoint != endpoint {
		return nil
	}
	w.p.sub, w.p.subKey, w.p.priv, w.p.auth = nil, nil, nil, nil
	return nil
}

// UnsupportedPlatform reports no push capabilities.
type UnsupportedPlatform struct{}

func (UnsupportedPlatform) Capabilities() Capabilities { return Capabilities{} }
func (UnsupportedPlatform) Permission() Permission     { return PermissionDefault }
func (UnsupportedPlatform) RequestPermission(context.Context) (Permission, error) {
	return PermissionDefault, ErrUnsupported
}
func (UnsupportedPlatform) ServiceWorker(context.Context) (Worker, error) { return nil, ErrUnsupported }
func (UnsupportedPlatform) Device() DeviceInfo                           { return DeviceInfo{} }
