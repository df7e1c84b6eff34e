package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestPrivateKeyFromMnemonic(t *testing.T) {
	key0, err := PrivateKeyFromMnemonic(DevMnemonic, 0)
	require.NoError(t, err)
	require.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", crypto.PubkeyToAddress(key0.PublicKey).Hex())
	key1, err := PrivateKeyFromMnemonic(DevMnemonic, 1)
	require.NoError(t, err)
	require.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", crypto.PubkeyToAddress(key1.PublicKey).Hex())
	require.Equal(t, "did:ethr:0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", DIDFromKey(key0))

	_, err = PrivateKeyFromMnemonic("not a mnemonic", 0)
	require.Error(t, err)
}

func TestSplitKeyID(t *testing.T) {
	did, fragment, err := SplitKeyID("did:ethr:0xabc#key-1")
	require.NoError(t, err)
	require.Equal(t, "did:ethr:0xabc", did)
	require.Equal(t, "key-1", fragment)

	for _, bad := range []string{"did:ethr:0xabc", "ethr:0xabc#k", "did:ethr:0xabc#", "did:x#a#b"} {
		_, _, err := SplitKeyID(bad)
		require.ErrorIs(t, err, ErrInvalidKeyID, bad)
	}
}

func TestChainStopsOnHardErrors(t *testing.T) {
	ctx := context.Background()
	known := StaticResolver{}
	known.Add(VerificationMethod{ID: "did:example:a#k", Algorithm: AlgEd25519})

	vm, err := Chain{StaticResolver{}, known}.Resolve(ctx, "did:example:a", "k")
	require.NoError(t, err)
	require.Equal(t, AlgEd25519, vm.Algorithm)

	_, err = Chain{StaticResolver{}}.Resolve(ctx, "did:example:a", "k")
	require.ErrorIs(t, err, ErrNotFound)

	boom := errors.New("boom")
	_, err = Chain{failingResolver{boom}, known}.Resolve(ctx, "did:example:a", "k")
	require.ErrorIs(t, err, boom)
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	return nil, f.err
}

type HTTPResolverSuite struct {
	suite.Suite
	server   *httptest.Server
	resolver *HTTPResolver
	edPub    ed25519.PublicKey
}

func TestHTTPResolverSuite(t *testing.T) {
	suite.Run(t, new(HTTPResolverSuite))
}

func (s *HTTPResolverSuite) SetupTest() {
	pub, _, err := ed25519.GenerateKey(nil)
	s.Require().NoError(err)
	s.edPub = pub
	multibase := "z" + base58.Encode(append([]byte{0xed, 0x01}, pub...))
	mux := http.NewServeMux()
	mux.HandleFunc("/1.0/identifiers/", func(w http.ResponseWriter, r *http.Request) {
		did := r.URL.Path[len("/1.0/identifiers/"):]
		if did != "did:example:alice" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{
			"didDocument": {
				"id": "did:example:alice",
				"verificationMethod": [
					{"id": "#ed", "type": "Ed25519VerificationKey2020", "publicKeyMultibase": %q},
					{"id": "did:example:alice#eth", "type": "EcdsaSecp256k1RecoveryMethod2020",
					 "blockchainAccountId": "eip155:1:0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"},
					{"id": "did:example:alice#hex", "type": "EcdsaSecp256k1VerificationKey2019",
					 "publicKeyHex": "02aabb"}
				]
			}
		}`, multibase)
	})
	s.server = httptest.NewServer(mux)
	s.resolver = NewHTTPResolver(s.server.URL + "/")
}

func (s *HTTPResolverSuite) TearDownTest() {
	s.server.Close()
}

func (s *HTTPResolverSuite) TestResolveMultibase() {
	vm, err := s.resolver.Resolve(context.Background(), "did:example:alice", "ed")
	s.Require().NoError(err)
	s.Equal(AlgEd25519, vm.Algorithm)
	s.Equal([]byte(s.edPub), vm.PublicKey)
	s.Equal("did:example:alice#ed", vm.ID)
}

func (s *HTTPResolverSuite) TestResolveAccountID() {
	vm, err := s.resolver.Resolve(context.Background(), "did:example:alice", "eth")
	s.Require().NoError(err)
	s.Equal(AlgSecp256k1Recovery, vm.Algorithm)
	s.Len(vm.PublicKey, 20)
}

func (s *HTTPResolverSuite) TestResolveHex() {
	vm, err := s.resolver.Resolve(context.Background(), "did:example:alice", "hex")
	s.Require().NoError(err)
	s.Equal([]byte{0x02, 0xaa, 0xbb}, vm.PublicKey)
}

func (s *HTTPResolverSuite) TestNotFound() {
	_, err := s.resolver.Resolve(context.Background(), "did:example:bob", "ed")
	s.ErrorIs(err, ErrNotFound)
	_, err = s.resolver.Resolve(context.Background(), "did:example:alice", "missing")
	s.ErrorIs(err, ErrNotFound)
}

func TestEthrResolverControllerKey(t *testing.T) {
	ctx := context.Background()
	key, err := PrivateKeyFromMnemonic(DevMnemonic, 0)
	require.NoError(t, err)
	did := DIDFromKey(key)
	keys := NewKeyStore()
	keys.AddSecp256k1(did, ControllerFragment, key)
	message := []byte("hello")
	sig, err := keys.Sign(ctx, KeyID(did, ControllerFragment), message)
	require.NoError(t, err)

	vm, err := EthrResolver{}.Resolve(ctx, did, ControllerFragment)
	require.NoError(t, err)
	require.Equal(t, AlgSecp256k1Recovery, vm.Algorithm)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Bytes(), vm.PublicKey)
	require.NoError(t, VerifySignature(vm, message, sig))
	require.ErrorIs(t, VerifySignature(vm, []byte("other"), sig), ErrSignatureMismatch)

	vm, err = EthrResolver{}.Resolve(ctx, "did:ethr:0x7a69:"+crypto.PubkeyToAddress(key.PublicKey).Hex(), ControllerFragment)
	require.NoError(t, err)
	require.Len(t, vm.PublicKey, 20)

	_, err = EthrResolver{}.Resolve(ctx, did, "k1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = EthrResolver{}.Resolve(ctx, "did:ethr:nope", ControllerFragment)
	require.ErrorIs(t, err, ErrNotFound)
}
