package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"
)

const maxDocumentSize = 1 << 20

// HTTPResolver resolves DIDs through a universal-resolver style endpoint:
// GET {BaseURL}/1.0/identifiers/{did}.
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  http.DefaultClient,
	}
}

func (h *HTTPResolver) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	endpoint := fmt.Sprintf("%s/1.0/identifiers/%s", h.BaseURL, url.PathEscape(did))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve %s: %w", did, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: resolve %s: status %d", did, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("identity: read document: %w", err)
	}
	return ParseDIDDocument(body, did, fragment)
}

// ParseDIDDocument finds the verification method did#fragment in a DID
// document, or in a resolution result wrapping one under "didDocument".
func ParseDIDDocument(document []byte, did string, fragment string) (*VerificationMethod, error) {
	if !gjson.ValidBytes(document) {
		return nil, fmt.Errorf("identity: invalid DID document")
	}
	doc := gjson.ParseBytes(document)
	if wrapped := doc.Get("didDocument"); wrapped.Exists() {
		doc = wrapped
	}
	keyID := KeyID(did, fragment)
	var found *gjson.Result
	doc.Get("verificationMethod").ForEach(func(_, method gjson.Result) bool {
		id := method.Get("id").String()
		if id == keyID || id == "#"+fragment {
			found = &method
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	vm := &VerificationMethod{
		ID:         keyID,
		Controller: did,
		Algorithm:  Algorithm(found.Get("type").String()),
	}
	publicKey, err := publicKeyOf(vm.Algorithm, *found)
	if err != nil {
		return nil, err
	}
	vm.PublicKey = publicKey
	return vm, nil
}

// Ed25519 multicodec prefix inside publicKeyMultibase.
var ed25519Multicodec = []byte{0xed, 0x01}

func publicKeyOf(alg Algorithm, method gjson.Result) ([]byte, error) {
	if hex := method.Get("publicKeyHex"); hex.Exists() {
		s := hex.String()
		if !strings.HasPrefix(s, "0x") {
			s = "0x" + s
		}
		key, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("identity: publicKeyHex: %w", err)
		}
		return key, nil
	}
	if mb := method.Get("publicKeyMultibase"); mb.Exists() {
		s := mb.String()
		if !strings.HasPrefix(s, "z") {
			return nil, fmt.Errorf("identity: unsupported multibase prefix in %q", s)
		}
		key := base58.Decode(s[1:])
		if len(key) == 0 {
			return nil, fmt.Errorf("identity: invalid publicKeyMultibase")
		}
		if alg == AlgEd25519 && len(key) == 34 && key[0] == ed25519Multicodec[0] && key[1] == ed25519Multicodec[1] {
			key = key[2:]
		}
		return key, nil
	}
	if account := method.Get("blockchainAccountId"); account.Exists() {
		// CAIP-10: eip155:<chain>:<address>
		parts := strings.Split(account.String(), ":")
		address := parts[len(parts)-1]
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("identity: invalid blockchainAccountId %q", account.String())
		}
		return common.HexToAddress(address).Bytes(), nil
	}
	if address := method.Get("ethereumAddress"); address.Exists() && common.IsHexAddress(address.String()) {
		return common.HexToAddress(address.String()).Bytes(), nil
	}
	return nil, fmt.Errorf("identity: verification method %s has no usable key material", method.Get("id").String())
}
