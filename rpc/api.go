package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

type Account struct {
	Address     string `json:"address" toml:"address"`
	Name        string `json:"name,omitempty" toml:"name"`
	Type        string `json:"type,omitempty" toml:"type"`
	GenesisHash string `json:"genesisHash,omitempty" toml:"genesis_hash"`
}

type SignRawRequest struct {
	Address string `json:"address"`
	Data    string `json:"data"`
	Type    string `json:"type,omitempty"`
}

type SignerResult struct {
	ID        int    `json:"id"`
	Signature string `json:"signature"`
}

// MetadataInfo identifies metadata already known to the host.
type MetadataInfo struct {
	GenesisHash string `json:"genesisHash"`
	SpecVersion int    `json:"specVersion"`
}

type MetadataDef struct {
	Chain         string `json:"chain"`
	GenesisHash   string `json:"genesisHash"`
	Icon          string `json:"icon,omitempty"`
	SS58Format    int    `json:"ss58Format"`
	SpecVersion   int    `json:"specVersion"`
	TokenDecimals int    `json:"tokenDecimals"`
	TokenSymbol   string `json:"tokenSymbol"`
}

type ProviderMeta struct {
	Network   string `json:"network"`
	Node      string `json:"node"`
	Source    string `json:"source"`
	Transport string `json:"transport"`
}

var (
	pathAccountsGet       = []string{"accounts", "get"}
	pathAccountsSubscribe = []string{"accounts", "subscribe"}
	pathSignRaw           = []string{"signer", "signRaw"}
	pathSignPayload       = []string{"signer", "signPayload"}
	pathMetadataGet       = []string{"metadata", "get"}
	pathMetadataProvide   = []string{"metadata", "provide"}
	pathListProviders     = []string{"provider", "listProviders"}
	pathStartProvider     = []string{"provider", "startProvider"}
)

type AccountsAPI struct{ b *Bridge }
type SignerAPI struct{ b *Bridge }
type MetadataAPI struct{ b *Bridge }
type ProviderAPI struct{ b *Bridge }

func (b *Bridge) Accounts() AccountsAPI { return AccountsAPI{b: b} }
func (b *Bridge) Signer() SignerAPI     { return SignerAPI{b: b} }
func (b *Bridge) Metadata() MetadataAPI { return MetadataAPI{b: b} }
func (b *Bridge) Provider() ProviderAPI { return ProviderAPI{b: b} }

func (a AccountsAPI) Get(ctx context.Context, anyType bool) ([]Account, error) {
	var accounts []Account
	err := a.b.CallInto(ctx, &accounts, pathAccountsGet, anyType)
	return accounts, err
}

// Subscribe calls cb with the full account list whenever it changes.
// Updates that do not decode as an account list are dropped.
func (a AccountsAPI) Subscribe(ctx context.Context, cb func([]Account)) (func(), error) {
	return a.b.Subscribe(ctx, pathAccountsSubscribe, func(result json.RawMessage) {
		var accounts []Account
		if err := json.Unmarshal(result, &accounts); err != nil {
			a.b.log.Warnw("dropping malformed accounts update", "Error", err)
			return
		}
		cb(accounts)
	})
}

func (s SignerAPI) SignRaw(ctx context.Context, req SignRawRequest) (SignerResult, error) {
	var res SignerResult
	err := s.b.CallInto(ctx, &res, pathSignRaw, req)
	return res, err
}

// SignPayload forwards payload, which must be plain data, to the host's signer.
func (s SignerAPI) SignPayload(ctx context.Context, payload any) (SignerResult, error) {
	var res SignerResult
	err := s.b.CallInto(ctx, &res, pathSignPayload, payload)
	return res, err
}

func (m MetadataAPI) Get(ctx context.Context) ([]MetadataInfo, error) {
	var known []MetadataInfo
	err := m.b.CallInto(ctx, &known, pathMetadataGet)
	return known, err
}

func (m MetadataAPI) Provide(ctx context.Context, def MetadataDef) (bool, error) {
	var accepted bool
	err := m.b.CallInto(ctx, &accepted, pathMetadataProvide, def)
	return accepted, err
}

func (p ProviderAPI) ListProviders(ctx context.Context) (map[string]ProviderMeta, error) {
	var providers map[string]ProviderMeta
	err := p.b.CallInto(ctx, &providers, pathListProviders)
	return providers, err
}

func (p ProviderAPI) StartProvider(ctx context.Context, key string) (ProviderMeta, error) {
	if key == "" {
		return ProviderMeta{}, fmt.Errorf("starting provider: empty key")
	}
	var meta ProviderMeta
	err := p.b.CallInto(ctx, &meta, pathStartProvider, key)
	return meta, err
}
