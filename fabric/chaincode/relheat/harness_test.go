// Harness_test.go
//
// Purpose: Minimal, deterministic test harness for the RelHeat chaincode.
// Role: Provides an in-memory world-state “ledger”, a mocked Fabric
// ChaincodeStub (via gomock), and focused helpers to stub cross-chaincode
// Calls (fhe-copro, fhe-oracle). It lets tests drive the contract
// Without real peers, orderers, or crypto material.
// Key deps:
// - Hyperledger Fabric Go SDKs: chaincode-go/shim, contractapi, protos (peer, msp)
// - gomock for stub expectations and return paths
// - Google protobuf/timestamppb for stable TxTimestamp values
// - Local fakes package: github.com/yourorg/relheat_cc/fakes (mock stub interface)
// Notes:
// - This harness makes defensive copies of byte slices to avoid aliasing between
// The test code and the “ledger” maps.
// - The copro stub does real toy-Paillier math (mod n²) so bucket counts are
// Verifiable against modular exponentiation, mirroring production semantics.

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	testing "testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/hyperledger/fabric-chaincode-go/v2/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	contractapi "github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	msp "github.com/hyperledger/fabric-protos-go-apiv2/msp"
	pb "github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	f "github.com/yourorg/relheat_cc/fakes"
)

const (
	hexN = "0xca1" // Toy modulus n (53·61); n² bounds all handles
	hexG = "0xca2" // Generator g; canonical Enc(1) = g mod n²

	testEncInteractions = "0x0bb9"
	testEncRiskScore    = "0x0bbb"
	testEncFeedback     = "0x0bbd"

	testTxTime int64 = 1763173800
)

/* in-memory WS harness */

// MemWorld is a tiny in-memory ledger used by the mock stub.
// It tracks world state (ws), emitted events, and op counts.
type memWorld struct {
	ws     map[string][]byte
	events []struct {
		name    string
		payload []byte
	}
	opsCounts struct {
		getState, putState, delState int
		setEvent                     int
	}
}

// NewMemWorld allocates an empty memWorld.
func newMemWorld() *memWorld {
	return &memWorld{ws: make(map[string][]byte)}
}

// GetState simulates GetState on the in-mem world state.
// Copies the value before returning to avoid aliasing in tests.
func (m *memWorld) getState(key string) ([]byte, error) {
	m.opsCounts.getState++
	if v, ok := m.ws[key]; ok {
		return append([]byte(nil), v...), nil // Copy for safety
	}
	return nil, nil
}

// PutState simulates PutState on the in-mem world state.
func (m *memWorld) putState(key string, val []byte) error {
	m.opsCounts.putState++
	m.ws[key] = append([]byte(nil), val...) // Copy for safety
	return nil
}

// DelState simulates DelState on the in-mem world state.
func (m *memWorld) delState(key string) error {
	m.opsCounts.delState++
	delete(m.ws, key)
	return nil
}

// SetEvent records a chaincode event into the in-mem log.
func (m *memWorld) setEvent(name string, payload []byte) error {
	m.opsCounts.setEvent++
	m.events = append(m.events, struct {
		name    string
		payload []byte
	}{name: name, payload: append([]byte(nil), payload...)}) // Copy for safety
	return nil
}

// hasEvent reports whether an event with the given name was emitted.
func (m *memWorld) hasEvent(name string) bool {
	for _, e := range m.events {
		if e.name == name {
			return true
		}
	}
	return false
}

/* tx context w/ real stub (no gomock ctx) */

// SimpleTxCtx adapts a raw shim.ChaincodeStubInterface to a contractapi TransactionContext.
// It keeps the shape tiny because tests only need GetStub.
type simpleTxCtx struct{ s shim.ChaincodeStubInterface }

// GetStub returns the underlying ChaincodeStubInterface.
func (c *simpleTxCtx) GetStub() shim.ChaincodeStubInterface { return c.s }

// GetClientIdentity is not used by the tests; it returns nil to satisfy the interface.
func (c *simpleTxCtx) GetClientIdentity() cid.ClientIdentity { return nil }

/* test harness (single definition) */

// Distinct channel per harness keeps the contract's per-channel key caches
// isolated between tests.
var harnessSeq atomic.Uint64

// oracleRequest captures what the mocked oracle CC was asked to decrypt.
type oracleRequest struct {
	selector string
	handles  []string
}

// TestHarness bundles the mock controller, stub, in-mem ledger, and the contract under test.
// It also tracks a mutable txID and the mocked oracle's issued request ids.
type testHarness struct {
	ctrl    *gomock.Controller
	ctx     contractapi.TransactionContextInterface
	stub    *f.MockChaincodeStubInterface
	mem     *memWorld
	cc      *RelHeatContract
	t       *testing.T
	txID    string
	channel string

	oracleKey  *ecdsa.PrivateKey
	reqSeq     int
	oracleReqs []oracleRequest
}

// newHarness builds a mocked Fabric transaction context for unit tests.
// It wires world state to in-memory maps, registers the copro/oracle cc2cc
// stubs, and gives each harness its own channel ID so per-channel caches
// never leak between tests.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	ctrl := gomock.NewController(t)
	stub := f.NewMockChaincodeStubInterface(ctrl)
	txctx := &simpleTxCtx{s: stub}
	mem := newMemWorld()

	h := &testHarness{
		ctrl: ctrl, ctx: txctx, stub: stub, mem: mem,
		cc: new(RelHeatContract), t: t, txID: "tx-0001",
		channel: fmt.Sprintf("heatchan-%04d", harnessSeq.Add(1)),
	}

	// Provide a valid creator so contract code can parse MSP/attributes if it wants.
	stub.EXPECT().GetCreator().AnyTimes().Return(devSerializedIdentity("BankMSP"), nil)

	// Return the current harness txID; tests may override it per case.
	stub.EXPECT().GetTxID().AnyTimes().DoAndReturn(func() string { return h.txID })

	stub.EXPECT().
		GetTxTimestamp().
		AnyTimes().
		Return(&timestamppb.Timestamp{Seconds: testTxTime}, nil)

	// Stable per-harness channel ID used by the contract's key caches.
	stub.EXPECT().GetChannelID().AnyTimes().DoAndReturn(func() string { return h.channel })

	// Wire world state to the in-mem maps.
	stub.EXPECT().GetState(gomock.Any()).AnyTimes().DoAndReturn(mem.getState)
	stub.EXPECT().PutState(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.putState)
	stub.EXPECT().DelState(gomock.Any()).AnyTimes().DoAndReturn(mem.delState)

	// Capture events into the in-mem log for assertions.
	stub.EXPECT().SetEvent(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.setEvent)

	// Default collaborator stubs: deterministic copro math + oracle request ids.
	// Keep these near the end so they take effect for all tests unless overridden.
	h.stubCoproCC()
	h.stubOracleCC()

	return h
}

/* cc2cc stubs (pointer return matches the shim) */

// StubCoproCC wires gomock expectations to answer fhe-copro calls with real
// toy-Paillier math over the harness moduli: Zero → "1" (multiplicative
// identity) and AddOne → product with the canonical Enc(1) = g mod n².
// Doing the actual arithmetic here lets tests verify bucket counts against
// modular exponentiation.
func (h *testHarness) stubCoproCC() {
	n := mustBigFromRelaxed(h.t, hexN)
	n2 := new(big.Int).Mul(n, n)
	encOne := new(big.Int).Mod(mustBigFromRelaxed(h.t, hexG), n2)

	h.stub.EXPECT().
		InvokeChaincode(
			gomock.Eq("fhe-copro"),                // Cc name
			gomock.AssignableToTypeOf([][]byte{}), // Args
			gomock.Any(),                          // Channel
		).
		AnyTimes().
		DoAndReturn(func(cc string, args [][]byte, ch string) *pb.Response {
			if len(args) == 0 {
				return &pb.Response{Status: int32(shim.ERROR), Message: "missing fcn"}
			}
			fcn := string(args[0])
			switch fcn {
			case "Zero":
				return &pb.Response{Status: int32(shim.OK), Payload: []byte(`"1"`)}
			case "AddOne":
				if len(args) < 2 {
					return &pb.Response{Status: int32(shim.ERROR), Message: "bad args"}
				}
				a, err := bigFromRelaxed(string(args[1]))
				if err != nil {
					return &pb.Response{Status: int32(shim.ERROR), Message: "bad handle"}
				}
				out := new(big.Int).Mul(a, encOne)
				out.Mod(out, n2)
				return &pb.Response{Status: int32(shim.OK), Payload: []byte(`"` + out.Text(16) + `"`)}
			default:
				return &pb.Response{Status: 404, Message: "not mocked: " + fcn}
			}
		})
}

// StubOracleCC mocks the decryption oracle registry: RequestDecryption issues
// deterministic incrementing request ids and records the submitted handles so
// tests can assert on what was sent for decryption.
func (h *testHarness) stubOracleCC() {
	h.stub.EXPECT().
		InvokeChaincode(
			gomock.Eq("fhe-oracle"),
			gomock.AssignableToTypeOf([][]byte{}),
			gomock.Any(),
		).
		AnyTimes().
		DoAndReturn(func(cc string, args [][]byte, ch string) *pb.Response {
			if len(args) == 0 {
				return &pb.Response{Status: int32(shim.ERROR), Message: "missing fcn"}
			}
			fcn := string(args[0])
			switch fcn {
			case "RequestDecryption":
				if len(args) < 3 {
					return &pb.Response{Status: int32(shim.ERROR), Message: "bad args"}
				}
				var handles []string
				if err := json.Unmarshal(args[2], &handles); err != nil {
					return &pb.Response{Status: int32(shim.ERROR), Message: "bad handles json"}
				}
				h.reqSeq++
				reqID := fmt.Sprintf("req-%04d", h.reqSeq)
				h.oracleReqs = append(h.oracleReqs, oracleRequest{
					selector: string(args[1]),
					handles:  handles,
				})
				return &pb.Response{Status: int32(shim.OK), Payload: []byte(`"` + reqID + `"`)}
			default:
				return &pb.Response{Status: 404, Message: "not mocked: " + fcn}
			}
		})
}

/* oracle proof material */

// SetOracleKey generates a fresh P-256 keypair, registers the public half via
// SetOraclePublicKey, and keeps the private half for signing proofs.
func (h *testHarness) setOracleKey() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	h.oracleKey = key
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return h.cc.SetOraclePublicKey(h.ctx, string(pemBytes))
}

// Sign produces a valid oracle proof over (requestID, payloadHex).
func (h *testHarness) sign(requestID, payloadHex string) string {
	h.t.Helper()
	if h.oracleKey == nil {
		h.t.Fatalf("sign: oracle key not set (call setOracleKey first)")
	}
	digest := sha256.Sum256([]byte(requestID + "|" + payloadHex))
	sig, err := ecdsa.SignASN1(rand.Reader, h.oracleKey, digest[:])
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

/* small helpers */

// SetTxID overrides the txID seen by the contract for the next operations.
func (h *testHarness) setTxID(id string) { h.txID = id }

// Submit stores an encrypted record with default handles and returns its id.
func (h *testHarness) submit() (uint64, error) {
	return h.submitHandles(testEncInteractions, testEncRiskScore, testEncFeedback)
}

// SubmitHandles stores an encrypted record with explicit handles.
func (h *testHarness) submitHandles(e1, e2, e3 string) (uint64, error) {
	out, err := h.cc.SubmitRecord(h.ctx, e1, e2, e3)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// RequestReveal registers a reveal request and returns the oracle request id.
func (h *testHarness) requestReveal(id uint64) (string, error) {
	out, err := h.cc.RequestRecordReveal(h.ctx, id)
	if err != nil {
		return "", err
	}
	var resp struct {
		RequestID string `json:"requestID"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

// Reveal drives the full submit-side callback: request + signed oracle response.
func (h *testHarness) reveal(id uint64, interactions, risk, feedback uint32) error {
	reqID, err := h.requestReveal(id)
	if err != nil {
		return err
	}
	p := payload3(interactions, risk, feedback)
	return h.cc.OnRecordDecrypted(h.ctx, reqID, p, h.sign(reqID, p))
}

// CountPendingRequests counts unfulfilled DREQ:: ledger entries in the in-mem
// world state; tombstoned (fulfilled) entries do not count as pending.
func (h *testHarness) countPendingRequests() int {
	n := 0
	for k, v := range h.mem.ws {
		if !strings.HasPrefix(k, keyReqPrefix) {
			continue
		}
		var tgt DecryptionTarget
		if json.Unmarshal(v, &tgt) == nil && tgt.Fulfilled {
			continue
		}
		n++
	}
	return n
}

// Payload3 packs three uint32 values as the oracle's big-endian hex payload.
func payload3(a, b, c uint32) string {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], a)
	binary.BigEndian.PutUint32(buf[4:8], b)
	binary.BigEndian.PutUint32(buf[8:12], c)
	return hex.EncodeToString(buf)
}

// Payload1 packs a single uint32 as the oracle's big-endian hex payload.
func payload1(v uint32) string {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return hex.EncodeToString(buf)
}

// RequireNoErr fails the test immediately if err != nil, labeling it unexpected.
func requireNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// RequireErrContains asserts that err is non-nil and its message contains wantSubstr (case-insensitive).
func requireErrContains(t *testing.T, err error, wantSubstr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", wantSubstr)
	}
	if wantSubstr != "" && !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(wantSubstr)) {
		t.Fatalf("error %q does not contain %q", err.Error(), wantSubstr)
	}
}

/* big.Int helpers shared across test files */

// bigFromRelaxed parses a ciphertext handle: hex with or without 0x prefix,
// odd-length auto-padded, decimal as a last resort. Hex must win for
// digit-only strings ("1943" is 0x1943) — that is how the coprocessor
// encodes handles.
func bigFromRelaxed(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	hs := s
	if len(hs)%2 == 1 {
		hs = "0" + hs
	}
	if b, err := hex.DecodeString(hs); err == nil {
		return new(big.Int).SetBytes(b), nil
	}
	if z, ok := new(big.Int).SetString(s, 10); ok {
		return z, nil
	}
	return nil, fmt.Errorf("bad integer: %q", s)
}

// mustBigFromRelaxed is a test helper that fatals on parse error.
func mustBigFromRelaxed(t *testing.T, s string) *big.Int {
	t.Helper()
	z, err := bigFromRelaxed(s)
	if err != nil {
		t.Fatalf("parse big int from %q: %v", s, err)
	}
	return z
}

// expectedBucket computes g^k mod n² — the bucket handle after k increments
// starting from the encrypted-zero identity.
func expectedBucket(t *testing.T, k int) *big.Int {
	t.Helper()
	n := mustBigFromRelaxed(t, hexN)
	n2 := new(big.Int).Mul(n, n)
	g := mustBigFromRelaxed(t, hexG)
	return new(big.Int).Exp(g, big.NewInt(int64(k)), n2)
}

// bucketValue fetches and parses the current bucket handle for a label.
func (h *testHarness) bucketValue(label string) (*big.Int, bool) {
	h.t.Helper()
	cnt, err := h.cc.GetCategoryCount(h.ctx, label)
	requireNoErr(h.t, err)
	if !cnt.Initialized {
		return nil, false
	}
	return mustBigFromRelaxed(h.t, cnt.Handle), true
}

/* tiny identity helper */

// DevSerializedIdentity generates a minimal SerializedIdentity with a self-signed cert.
// It’s good enough for GetCreator parsing in contract code.
func devSerializedIdentity(ms string) []byte {
	key, _ := rsa.GenerateKey(rand.Reader, 1024)
	tpl := &x509.Certificate{SerialNumber: big.NewInt(1), NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(time.Hour)}
	der, _ := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	pemCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	sid := &msp.SerializedIdentity{Mspid: ms, IdBytes: pemCert}
	b, _ := proto.Marshal(sid)
	return b
}
