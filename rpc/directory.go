package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNoSigner = errors.New("rpc: no signer configured")

// Signer produces signatures for a Directory. Signing schemes are up to the implementation.
type Signer interface {
	SignRaw(ctx context.Context, req SignRawRequest) (SignerResult, error)
	SignPayload(ctx context.Context, payload json.RawMessage) (SignerResult, error)
}

// Directory is an in-memory host for the accounts, signer, metadata and provider paths.
type Directory struct {
	mu          sync.Mutex
	accounts    []Account
	metadata    map[string]MetadataDef
	providers   map[string]ProviderMeta
	signer      Signer
	watchers    map[int]func([]Account)
	nextWatcher int
}

func NewDirectory(accounts []Account) *Directory {
	return &Directory{
		accounts:  append([]Account(nil), accounts...),
		metadata:  map[string]MetadataDef{},
		providers: map[string]ProviderMeta{},
		watchers:  map[int]func([]Account){},
	}
}

func (d *Directory) SetSigner(s Signer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signer = s
}

func (d *Directory) AddProvider(key string, meta ProviderMeta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[key] = meta
}

// SetAccounts replaces the account list and notifies subscribers.
func (d *Directory) SetAccounts(accounts []Account) {
	d.mu.Lock()
	d.accounts = append([]Account(nil), accounts...)
	snapshot := append([]Account(nil), d.accounts...)
	watchers := make([]func([]Account), 0, len(d.watchers))
	for _, w := range d.watchers {
		watchers = append(watchers, w)
	}
	d.mu.Unlock()

	for _, w := range watchers {
		w(snapshot)
	}
}

// Accounts lists accounts. Unless anyType is set, ethereum accounts are left out.
func (d *Directory) Accounts(anyType bool) []Account {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []Account{}
	for _, a := range d.accounts {
		if !anyType && a.Type == "ethereum" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Register installs the directory's handlers and topics on h.
func (d *Directory) Register(h *Host) {
	h.Handle(pathAccountsGet, d.handleAccountsGet)
	h.HandleTopic(pathAccountsSubscribe, d.accountsTopic)
	h.Handle(pathSignRaw, d.handleSignRaw)
	h.Handle(pathSignPayload, d.handleSignPayload)
	h.Handle(pathMetadataGet, d.handleMetadataGet)
	h.Handle(pathMetadataProvide, d.handleMetadataProvide)
	h.Handle(pathListProviders, d.handleListProviders)
	h.Handle(pathStartProvider, d.handleStartProvider)

	h.mu.Lock()
	if h.defaultTopic == "" {
		h.defaultTopic = pathKey(pathAccountsSubscribe)
	}
	h.mu.Unlock()
}

// arg decodes args[i] into T. A missing or null argument yields the zero value.
func arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) || len(args[i]) == 0 || string(args[i]) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return v, nil
}

func (d *Directory) handleAccountsGet(ctx context.Context, args []json.RawMessage) (any, error) {
	anyType, err := arg[bool](args, 0)
	if err != nil {
		return nil, err
	}
	return d.Accounts(anyType), nil
}

func (d *Directory) accountsTopic(ctx context.Context, publish Publish) (func(), error) {
	d.mu.Lock()
	id := d.nextWatcher
	d.nextWatcher++
	d.watchers[id] = func(accounts []Account) {
		_ = publish(context.Background(), accounts)
	}
	snapshot := append([]Account{}, d.accounts...)
	d.mu.Unlock()

	stop := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.watchers, id)
	}
	if err := publish(ctx, snapshot); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}

func (d *Directory) currentSigner() (Signer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signer == nil {
		return nil, ErrNoSigner
	}
	return d.signer, nil
}

func (d *Directory) handleSignRaw(ctx context.Context, args []json.RawMessage) (any, error) {
	req, err := arg[SignRawRequest](args, 0)
	if err != nil {
		return nil, err
	}
	if req.Address == "" {
		return nil, errors.New("signRaw: missing address")
	}
	s, err := d.currentSigner()
	if err != nil {
		return nil, err
	}
	return s.SignRaw(ctx, req)
}

func (d *Directory) handleSignPayload(ctx context.Context, args []json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("signPayload: missing payload")
	}
	s, err := d.currentSigner()
	if err != nil {
		return nil, err
	}
	return s.SignPayload(ctx, args[0])
}

func (d *Directory) handleMetadataGet(ctx context.Context, args []json.RawMessage) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	known := make([]MetadataInfo, 0, len(d.metadata))
	for _, def := range d.metadata {
		known = append(known, MetadataInfo{GenesisHash: def.GenesisHash, SpecVersion: def.SpecVersion})
	}
	sort.Slice(known, func(i, j int) bool { return known[i].GenesisHash < known[j].GenesisHash })
	return known, nil
}

// handleMetadataProvide stores a definition and reports whether it was new or newer.
func (d *Directory) handleMetadataProvide(ctx context.Context, args []json.RawMessage) (any, error) {
	def, err := arg[MetadataDef](args, 0)
	if err != nil {
		return nil, err
	}
	if def.GenesisHash == "" {
		return nil, errors.New("metadata.provide: missing genesisHash")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.metadata[def.GenesisHash]; ok && existing.SpecVersion >= def.SpecVersion {
		return false, nil
	}
	d.metadata[def.GenesisHash] = def
	return true, nil
}

func (d *Directory) handleListProviders(ctx context.Context, args []json.RawMessage) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ProviderMeta, len(d.providers))
	for k, v := range d.providers {
		out[k] = v
	}
	return out, nil
}

func (d *Directory) handleStartProvider(ctx context.Context, args []json.RawMessage) (any, error) {
	key, err := arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	meta, ok := d.providers[key]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", key)
	}
	return meta, nil
}
