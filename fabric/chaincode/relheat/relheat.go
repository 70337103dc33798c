// -----------------------------------------------------------------------------
// RelHeat_cc contract (Go, Fabric v3.1.1)
// Purpose: Records customer-interaction metadata as opaque additive-homomorphic
// Ciphertext handles and derives anonymized "relationship heat" bucket counts
// Per risk category. Write-path stores encrypted records and registers
// Asynchronous decryption requests; callback-path matches oracle responses to
// Pending requests, reveals cleartexts exactly once, and folds each revealed
// Record into an encrypted per-category counter.
// Key dependencies: Hyperledger Fabric contractapi; an FHE coprocessor
// Chaincode ("fhe-copro") for homomorphic Zero/AddOne; a decryption oracle
// Chaincode ("fhe-oracle") issuing request identifiers and later driving the
// On*Decrypted callbacks with a signed proof.
// -----------------------------------------------------------------------------

/*
relheat.go — Hyperledger Fabric chaincode for the relationship-heat demo.

This contract supports an exactly-once reveal model:
- Encrypted records are stored under REC::<id>; the cleartext slot REV::<id>
  starts zeroed/unrevealed and is written exactly once by a callback.
- Pending decryption requests live under DREQ::<requestID> as a tagged target
  (record id or category label), so out-of-order oracle callbacks correlate
  without any reverse-hash scanning.
- Category buckets BUCKET::<label> hold encrypted counts; a bucket is created
  at Enc(0) on first membership and incremented homomorphically thereafter.

The chaincode does not expose any HTTP endpoints. A separate gateway/service
is expected to invoke these contract functions and subscribe to emitted events.
*/
package main

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
)

/* Keys & constants (single namespace for this chaincode) */

const (
	// World state prefixes (public)
	keySeq          = "SEQ"       // SEQ → last assigned record id (decimal)
	keyRecordPrefix = "REC::"     // REC::<id> → EncryptedRecord JSON
	keyRevealPrefix = "REV::"     // REV::<id> → RevealedRecord JSON
	keyReqPrefix    = "DREQ::"    // DREQ::<requestID> → DecryptionTarget JSON
	keyBucketPrefix = "BUCKET::"  // BUCKET::<label> → encrypted count handle (hex)
	keyCatList      = "CATLIST"   // → []string observed category labels (sorted)
	keyOraclePK     = "ORACLEPK"  // → oracle ECDSA public key (PEM)
	keyParams       = "PARAMS"    // Global Params JSON
)

const (
	eventRecordSubmitted     = "RecordSubmitted"
	eventDecryptionRequested = "DecryptionRequested"
	eventRecordDecrypted     = "RecordDecrypted"
	eventOracleKeySet        = "OracleKeySet"
	eventParamsUpdated       = "ParamsUpdated"
)

// Risk classification thresholds (cleartext score → category label).
const (
	categoryLow    = "Low"
	categoryMedium = "Medium"
	categoryHigh   = "High"

	riskMediumMin = 30 // score < 30  → Low
	riskHighMin   = 70 // score >= 70 → High
)

// Decryption target kinds stored in DREQ:: entries.
const (
	targetKindRecord   = "record"
	targetKindCategory = "category"
)

/* Error kinds */

// Sentinel errors surfaced to callers. All are terminal for the triggering
// operation; no partial state mutation survives a failed call.
var (
	ErrAlreadyRevealed  = errors.New("record already revealed")
	ErrUnknownRequest   = errors.New("unknown decryption request")
	ErrInvalidProof     = errors.New("invalid decryption proof")
	ErrMalformedPayload = errors.New("malformed cleartext payload")
	ErrCategoryNotFound = errors.New("category not found")
	ErrRecordNotFound   = errors.New("record not found")
)

/* Types & small data models */

// RelHeatContract implements the Fabric contract for the relationship-heat demo.
//
// Responsibilities:
// - Accept encrypted record submissions (SubmitRecord) into world state.
// - Register asynchronous decryption requests and correlate oracle callbacks.
// - Maintain homomorphic per-category counters updated exactly once per reveal.
type RelHeatContract struct{ contractapi.Contract }

// EncryptedRecord is the immutable encrypted triple stored at REC::<id>.
//
// The three handles are opaque ciphertexts produced off-chain; the contract
// never inspects their content beyond cheap hex well-formedness.
type EncryptedRecord struct {
	ID              uint64 `json:"id"`
	EncInteractions string `json:"encInteractions"`
	EncRiskScore    string `json:"encRiskScore"`
	EncFeedback     string `json:"encFeedback"`
	CreatedAt       string `json:"createdAt"` // RFC3339
}

// RevealedRecord is the cleartext result slot stored at REV::<id>.
//
// Created zeroed/unrevealed alongside the EncryptedRecord and mutated exactly
// once by OnRecordDecrypted; after Revealed flips to true the values are
// write-once and every further reveal attempt is rejected.
type RevealedRecord struct {
	ID           uint64 `json:"id"`
	Interactions uint32 `json:"interactions"`
	RiskScore    uint32 `json:"riskScore"`
	Feedback     uint32 `json:"feedback"`
	Revealed     bool   `json:"revealed"`
}

// DecryptionTarget is the tagged correlation entry stored at DREQ::<requestID>.
//
// Kind selects which field is meaningful: "record" carries RecordID, "category"
// carries Label. Storing the label directly avoids the hash-and-reverse-scan
// correlation the original scheme needed for category counts. A successful
// callback tombstones the entry (Fulfilled=true) rather than deleting it, so
// a replayed callback still correlates to its record and can be rejected as
// already revealed; the oracle registry prunes its own copy on MarkFulfilled.
type DecryptionTarget struct {
	Kind      string `json:"kind"`
	RecordID  uint64 `json:"recordID,omitempty"`
	Label     string `json:"label,omitempty"`
	Fulfilled bool   `json:"fulfilled,omitempty"`
}

// CategoryCount is the read model returned by GetCategoryCount.
//
// Handle is the current encrypted count; Initialized is false (and Handle
// empty) for a category that has never been observed — callers must check it
// before using the handle.
type CategoryCount struct {
	Label       string `json:"label"`
	Initialized bool   `json:"initialized"`
	Handle      string `json:"handle,omitempty"`
}

// Params contains runtime toggles and collaborator chaincode names.
//
// Values are stored on-chain (PARAMS) and merged on update.
type Params struct {
	EmitEvents   bool   `json:"EMIT_EVENTS"`    // Default true: emit events
	VerifyProofs bool   `json:"VERIFY_PROOFS"`  // Default true: check oracle proofs
	FheCCName    string `json:"FHE_CC_NAME"`    // Default "fhe-copro"
	OracleCCName string `json:"ORACLE_CC_NAME"` // Default "fhe-oracle"
}

// Cache parsed oracle public keys per channel (thread-safe)
var oraclePKCache sync.Map // Key: channelID -> *ecdsa.PublicKey

/* Small helpers */

// nowRFC3339 returns the transaction timestamp as an RFC3339 UTC string.
func nowRFC3339(ctx contractapi.TransactionContextInterface) string {
	ts, _ := ctx.GetStub().GetTxTimestamp()
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC().Format(time.RFC3339)
}

// mustJSON marshals v and ignores errors (used for events and small writes).
func mustJSON(v any) []byte { b, _ := json.Marshal(v); return b }

// recKey builds the world-state key for an encrypted record (REC::<id>).
func recKey(id uint64) string { return keyRecordPrefix + strconv.FormatUint(id, 10) }

// revKey builds the world-state key for a cleartext result slot (REV::<id>).
func revKey(id uint64) string { return keyRevealPrefix + strconv.FormatUint(id, 10) }

// checkHandle rejects ciphertext handles that are empty or not hex.
// Handles are otherwise opaque; no semantic validation is possible here.
func checkHandle(name, h string) error {
	s := strings.TrimSpace(h)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return fmt.Errorf("%s: empty ciphertext handle", name)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("%s: bad ciphertext handle hex: %w", name, err)
	}
	return nil
}

// classifyRiskScore maps a revealed risk score onto its category label.
func classifyRiskScore(score uint32) string {
	switch {
	case score < riskMediumMin:
		return categoryLow
	case score < riskHighMin:
		return categoryMedium
	default:
		return categoryHigh
	}
}

// decodeCleartexts decodes an oracle cleartext payload into exactly n uint32
// values (big-endian, fixed order). Any arity or format mismatch is a
// MalformedPayload error; the values must not be trusted before the proof
// check has passed.
func decodeCleartexts(payloadHex string, n int) ([]uint32, error) {
	s := strings.TrimSpace(payloadHex)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: payload not hex: %v", ErrMalformedPayload, err)
	}
	if len(b) != 4*n {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedPayload, len(b), 4*n)
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint32(b[4*i : 4*i+4])
	}
	return out, nil
}

// getParams reads the contract runtime parameters from world state.
func getParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	p := &Params{
		EmitEvents:   true,
		VerifyProofs: true, // <-- ON by default
		FheCCName:    "fhe-copro",
		OracleCCName: "fhe-oracle",
	}

	if b, err := ctx.GetStub().GetState(keyParams); err == nil && b != nil {
		var on Params
		if json.Unmarshal(b, &on) == nil {
			return &on, nil
		}
	}

	return p, nil
}

// callCC is a safe wrapper to invoke collaborator chaincodes (copro, oracle).
// Params: ctx, cc name, function, args.
// Return: raw payload bytes or error on non-200 or empty payload.
func callCC(ctx contractapi.TransactionContextInterface, cc, fcn string, args ...string) ([]byte, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cc2cc %s: nil ctx", fcn)
	}
	s := ctx.GetStub()
	if s == nil {
		return nil, fmt.Errorf("cc2cc %s: nil stub", fcn)
	}

	// Guard against typed-nil stub (interface is non-nil but underlying pointer is nil).
	if rv := reflect.ValueOf(s); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, fmt.Errorf("cc2cc %s: nil underlying stub", fcn)
	}

	argv := make([][]byte, 0, 1+len(args))
	argv = append(argv, []byte(fcn))
	for _, a := range args {
		argv = append(argv, []byte(a))
	}

	resp := s.InvokeChaincode(cc, argv, "") // "" => same channel

	if resp.Status != 200 || len(resp.Payload) == 0 {
		return nil, fmt.Errorf("cc2cc %s(%s) status=%d message=%q",
			fcn, strings.Join(args, ","), resp.Status, resp.Message)
	}
	return resp.Payload, nil
}

// ccString unquotes a cc2cc payload: contractapi returns JSON-encoded strings.
func ccString(payload []byte) string {
	return strings.Trim(strings.TrimSpace(string(payload)), `"`)
}

// requestDecryption submits ciphertext handles to the decryption oracle CC and
// returns the oracle-assigned request identifier. Fire-and-forget: resolution
// happens via a later, independently-triggered callback transaction.
func requestDecryption(ctx contractapi.TransactionContextInterface, oracleCC, callbackSelector string, handles []string) (string, error) {
	payload, err := callCC(ctx, oracleCC, "RequestDecryption", callbackSelector, string(mustJSON(handles)))
	if err != nil {
		return "", err
	}
	reqID := ccString(payload)
	if reqID == "" {
		return "", fmt.Errorf("oracle returned empty request id")
	}
	return reqID, nil
}

// coproZero asks the FHE coprocessor for a fresh encrypted-zero handle.
func coproZero(ctx contractapi.TransactionContextInterface, fheCC string) (string, error) {
	payload, err := callCC(ctx, fheCC, "Zero")
	if err != nil {
		return "", err
	}
	return ccString(payload), nil
}

// coproAddOne homomorphically adds an encrypted one to the given handle.
func coproAddOne(ctx contractapi.TransactionContextInterface, fheCC, handle string) (string, error) {
	payload, err := callCC(ctx, fheCC, "AddOne", handle)
	if err != nil {
		return "", err
	}
	out := ccString(payload)
	if out == "" {
		return "", fmt.Errorf("copro AddOne returned empty handle")
	}
	return out, nil
}

// loadOraclePK loads the oracle's ECDSA public key for proof verification.
// It uses an in-memory cache keyed by channel to avoid repeated PEM parsing.
func loadOraclePK(ctx contractapi.TransactionContextInterface) (*ecdsa.PublicKey, error) {
	ch := ctx.GetStub().GetChannelID()
	if v, ok := oraclePKCache.Load(ch); ok {
		return v.(*ecdsa.PublicKey), nil
	}
	raw, err := ctx.GetStub().GetState(keyOraclePK)
	if err != nil {
		return nil, fmt.Errorf("get oracle pk: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("oracle public key not set")
	}
	pk, err := parseOraclePK(raw)
	if err != nil {
		return nil, err
	}
	oraclePKCache.Store(ch, pk)
	return pk, nil
}

// parseOraclePK decodes a PEM-encoded PKIX ECDSA public key.
func parseOraclePK(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("oracle pk: no PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("oracle pk parse: %w", err)
	}
	pk, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("oracle pk: not an ECDSA key")
	}
	return pk, nil
}

// proofDigest binds a proof to the request identifier and the exact cleartext
// payload. The separator prevents ambiguity between the two fields.
func proofDigest(requestID, payloadHex string) []byte {
	h := sha256.Sum256([]byte(requestID + "|" + payloadHex))
	return h[:]
}

// verifyProof checks the oracle's ASN.1 ECDSA signature over the request id
// and cleartext payload. Must pass before any cleartext value is trusted.
func verifyProof(pk *ecdsa.PublicKey, requestID, payloadHex, proofB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(proofB64))
	if err != nil || len(sig) == 0 {
		return false
	}
	return ecdsa.VerifyASN1(pk, proofDigest(requestID, payloadHex), sig)
}

// checkProof loads the oracle key and verifies, honoring Params.VerifyProofs.
func checkProof(ctx contractapi.TransactionContextInterface, params *Params, requestID, payloadHex, proofB64 string) error {
	if !params.VerifyProofs {
		return nil
	}
	pk, err := loadOraclePK(ctx)
	if err != nil {
		return err
	}
	if !verifyProof(pk, requestID, payloadHex, proofB64) {
		return fmt.Errorf("request %s: %w", requestID, ErrInvalidProof)
	}
	return nil
}

// nextRecordID allocates the next sequential record identifier.
// Identifiers start at 1; 0 is reserved as the "no record" sentinel.
func nextRecordID(ctx contractapi.TransactionContextInterface) (uint64, error) {
	raw, err := ctx.GetStub().GetState(keySeq)
	if err != nil {
		return 0, fmt.Errorf("get seq: %w", err)
	}
	var next uint64 = 1
	if raw != nil {
		last, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("seq parse: %w", err)
		}
		next = last + 1
	}
	if err := ctx.GetStub().PutState(keySeq, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// loadTarget resolves a DREQ:: ledger entry for a callback.
func loadTarget(ctx contractapi.TransactionContextInterface, requestID string) (*DecryptionTarget, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("empty request id: %w", ErrUnknownRequest)
	}
	raw, err := ctx.GetStub().GetState(keyReqPrefix + requestID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrUnknownRequest)
	}
	var tgt DecryptionTarget
	if err := json.Unmarshal(raw, &tgt); err != nil {
		return nil, fmt.Errorf("request %s: bad ledger entry: %w", requestID, err)
	}
	return &tgt, nil
}

// loadCategories reads the observed category labels (sorted).
func loadCategories(ctx contractapi.TransactionContextInterface) ([]string, error) {
	raw, err := ctx.GetStub().GetState(keyCatList)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return []string{}, nil
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return []string{}, nil
	}
	sort.Strings(labels)
	return labels, nil
}

/* Admin / Setup */

// SetOraclePublicKey registers the decryption oracle's PEM-encoded ECDSA
// public key. Callback proofs are verified against this key.
func (c *RelHeatContract) SetOraclePublicKey(ctx contractapi.TransactionContextInterface, pubKeyPEM string) error {
	pemBytes := []byte(strings.TrimSpace(pubKeyPEM))
	pk, err := parseOraclePK(pemBytes)
	if err != nil {
		return err
	}

	if err := ctx.GetStub().PutState(keyOraclePK, pemBytes); err != nil {
		return err
	}

	// Ensure next load sees the new key
	ch := ctx.GetStub().GetChannelID()
	oraclePKCache.Delete(ch)
	oraclePKCache.Store(ch, pk)

	if params, _ := getParams(ctx); params.EmitEvents {
		sum := sha256.Sum256(pemBytes)
		_ = ctx.GetStub().SetEvent(eventOracleKeySet, mustJSON(map[string]string{
			"keyHash": hex.EncodeToString(sum[:]),
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetOraclePublicKey returns the stored oracle public key PEM.
func (c *RelHeatContract) GetOraclePublicKey(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyOraclePK)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("not found")
	}
	return string(raw), nil
}

// SetParams writes runtime parameters (feature flags and CC names) to world state.
func (c *RelHeatContract) SetParams(ctx contractapi.TransactionContextInterface, paramsJSON string) error {
	cur, err := getParams(ctx)
	if err != nil {
		return err
	}

	jsCur, _ := json.Marshal(cur)
	var merged map[string]any
	_ = json.Unmarshal(jsCur, &merged)

	var upd map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &upd); err != nil {
		return fmt.Errorf("bad params json: %w", err)
	}
	for k, v := range upd {
		merged[k] = v
	}

	js, _ := json.Marshal(merged)
	if err := ctx.GetStub().PutState(keyParams, js); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		keys := make([]string, 0, len(upd))
		for k := range upd {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sum := sha256.Sum256(js)
		_ = ctx.GetStub().SetEvent(eventParamsUpdated, mustJSON(map[string]any{
			"hash": hex.EncodeToString(sum[:]),
			"keys": keys,
			"time": nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetParams reads back the stored runtime parameters.
func (c *RelHeatContract) GetParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	return getParams(ctx)
}

/* Hot path */

// SubmitRecord stores an encrypted customer-interaction record.
//
// Key properties:
// - Allocates the next sequential id (starting at 1; 0 is the sentinel).
// - Stores the EncryptedRecord and a zeroed/unrevealed RevealedRecord slot.
// - Ciphertexts are opaque; only cheap hex well-formedness is enforced.
func (c *RelHeatContract) SubmitRecord(
	ctx contractapi.TransactionContextInterface,
	encInteractions, encRiskScore, encFeedback string,
) (string, error) {

	// 1) Cheap handle checks before allocating an id
	if err := checkHandle("encInteractions", encInteractions); err != nil {
		return "", err
	}
	if err := checkHandle("encRiskScore", encRiskScore); err != nil {
		return "", err
	}
	if err := checkHandle("encFeedback", encFeedback); err != nil {
		return "", err
	}

	// 2) Sequential id & timestamp
	id, err := nextRecordID(ctx)
	if err != nil {
		return "", err
	}
	createdAt := nowRFC3339(ctx)

	// 3) Encrypted record + zeroed cleartext slot
	rec := EncryptedRecord{
		ID:              id,
		EncInteractions: strings.TrimSpace(encInteractions),
		EncRiskScore:    strings.TrimSpace(encRiskScore),
		EncFeedback:     strings.TrimSpace(encFeedback),
		CreatedAt:       createdAt,
	}
	if err := ctx.GetStub().PutState(recKey(id), mustJSON(&rec)); err != nil {
		return "", err
	}
	if err := ctx.GetStub().PutState(revKey(id), mustJSON(&RevealedRecord{ID: id})); err != nil {
		return "", err
	}

	// 4) Event (configurable)
	if params, _ := getParams(ctx); params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventRecordSubmitted, mustJSON(map[string]any{
			"id":   id,
			"time": createdAt,
		}))
	}

	return fmt.Sprintf(`{"id":%d,"createdAt":"%s"}`, id, createdAt), nil
}

/* Queries */

// GetRecord returns the cleartext result slot for a record id.
//
// Permissive read semantics: an id that was never submitted or not yet
// revealed both read as zeroed/unrevealed defaults. Use HasRecord to
// distinguish "unknown id" from "pending reveal".
func (c *RelHeatContract) GetRecord(ctx contractapi.TransactionContextInterface, recordID uint64) (*RevealedRecord, error) {
	raw, err := ctx.GetStub().GetState(revKey(recordID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &RevealedRecord{ID: recordID}, nil
	}
	var rev RevealedRecord
	if err := json.Unmarshal(raw, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

// HasRecord reports whether a record id was ever submitted.
func (c *RelHeatContract) HasRecord(ctx contractapi.TransactionContextInterface, recordID uint64) (bool, error) {
	raw, err := ctx.GetStub().GetState(recKey(recordID))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// GetEncryptedRecord returns the stored ciphertext handles and submission time.
func (c *RelHeatContract) GetEncryptedRecord(ctx contractapi.TransactionContextInterface, recordID uint64) (*EncryptedRecord, error) {
	raw, err := ctx.GetStub().GetState(recKey(recordID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("record %d: %w", recordID, ErrRecordNotFound)
	}
	var rec EncryptedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetCategoryCount returns the current encrypted count handle for a label.
// A never-observed category yields Initialized=false and an empty handle.
func (c *RelHeatContract) GetCategoryCount(ctx contractapi.TransactionContextInterface, label string) (*CategoryCount, error) {
	label = strings.TrimSpace(label)
	raw, err := ctx.GetStub().GetState(keyBucketPrefix + label)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &CategoryCount{Label: label}, nil
	}
	return &CategoryCount{Label: label, Initialized: true, Handle: string(raw)}, nil
}

// ListCategories returns the sorted labels observed so far.
func (c *RelHeatContract) ListCategories(ctx contractapi.TransactionContextInterface) ([]string, error) {
	return loadCategories(ctx)
}

/* Reveal path */

// RequestRecordReveal registers an asynchronous decryption request for a
// record's three ciphertext handles.
//
// Fire-and-forget: the oracle call only issues a request identifier; the
// actual reveal happens in a later, independent OnRecordDecrypted transaction,
// possibly never. An unrevealed record is valid indefinitely.
func (c *RelHeatContract) RequestRecordReveal(ctx contractapi.TransactionContextInterface, recordID uint64) (string, error) {
	rawRec, err := ctx.GetStub().GetState(recKey(recordID))
	if err != nil {
		return "", err
	}
	if rawRec == nil {
		return "", fmt.Errorf("record %d: %w", recordID, ErrRecordNotFound)
	}
	var rec EncryptedRecord
	if err := json.Unmarshal(rawRec, &rec); err != nil {
		return "", err
	}

	rev, err := c.GetRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	if rev.Revealed {
		return "", fmt.Errorf("record %d: %w", recordID, ErrAlreadyRevealed)
	}

	params, _ := getParams(ctx)
	reqID, err := requestDecryption(ctx, params.OracleCCName, "OnRecordDecrypted",
		[]string{rec.EncInteractions, rec.EncRiskScore, rec.EncFeedback})
	if err != nil {
		return "", err
	}

	tgt := DecryptionTarget{Kind: targetKindRecord, RecordID: recordID}
	if err := ctx.GetStub().PutState(keyReqPrefix+reqID, mustJSON(&tgt)); err != nil {
		return "", err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventDecryptionRequested, mustJSON(map[string]any{
			"id":        recordID,
			"requestID": reqID,
			"time":      nowRFC3339(ctx),
		}))
	}

	return fmt.Sprintf(`{"requestID":"%s","id":%d}`, reqID, recordID), nil
}

// RequestCategoryCountReveal registers a decryption request for a category
// bucket's encrypted count. The label must already have a bucket.
func (c *RelHeatContract) RequestCategoryCountReveal(ctx contractapi.TransactionContextInterface, label string) (string, error) {
	label = strings.TrimSpace(label)
	raw, err := ctx.GetStub().GetState(keyBucketPrefix + label)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("category %q: %w", label, ErrCategoryNotFound)
	}

	params, _ := getParams(ctx)
	reqID, err := requestDecryption(ctx, params.OracleCCName, "OnCategoryCountDecrypted",
		[]string{string(raw)})
	if err != nil {
		return "", err
	}

	tgt := DecryptionTarget{Kind: targetKindCategory, Label: label}
	if err := ctx.GetStub().PutState(keyReqPrefix+reqID, mustJSON(&tgt)); err != nil {
		return "", err
	}

	return fmt.Sprintf(`{"requestID":"%s","label":"%s"}`, reqID, label), nil
}

/* Callback path */

// OnRecordDecrypted applies a decryption oracle response for a record request.
//
// Ordering of checks is load-bearing: ledger lookup, duplicate-reveal guard,
// proof verification, then payload decoding — the cleartexts are never acted
// on before the proof passes. All world-state writes happen only after every
// check and every cc2cc call has succeeded, so a failed callback leaves no
// partial mutation behind.
func (c *RelHeatContract) OnRecordDecrypted(ctx contractapi.TransactionContextInterface, requestID, cleartextHex, proofB64 string) error {
	// 1) Correlate the response to a pending record request
	tgt, err := loadTarget(ctx, requestID)
	if err != nil {
		return err
	}
	if tgt.Kind != targetKindRecord || tgt.RecordID == 0 {
		return fmt.Errorf("request %s targets no record: %w", requestID, ErrUnknownRequest)
	}
	id := tgt.RecordID

	// 2) Exactly-once reveal: reject duplicate or replayed callbacks
	rev, err := c.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rev.Revealed {
		return fmt.Errorf("record %d: %w", id, ErrAlreadyRevealed)
	}

	// 3) Proof before payload
	params, _ := getParams(ctx)
	if err := checkProof(ctx, params, requestID, cleartextHex, proofB64); err != nil {
		return err
	}

	// 4) Fixed arity/order: interactions, risk score, manager feedback
	vals, err := decodeCleartexts(cleartextHex, 3)
	if err != nil {
		return err
	}

	// 5) Derive the bucket update before touching world state
	label := classifyRiskScore(vals[1])
	bucketKey := keyBucketPrefix + label
	cur, err := ctx.GetStub().GetState(bucketKey)
	if err != nil {
		return err
	}
	newCategory := cur == nil
	handle := string(cur)
	if newCategory {
		handle, err = coproZero(ctx, params.FheCCName)
		if err != nil {
			return err
		}
	}
	handle, err = coproAddOne(ctx, params.FheCCName, handle)
	if err != nil {
		return err
	}

	// 6) Commit: reveal, bucket, category list, tombstone the fulfilled request
	rev.Interactions = vals[0]
	rev.RiskScore = vals[1]
	rev.Feedback = vals[2]
	rev.Revealed = true
	if err := ctx.GetStub().PutState(revKey(id), mustJSON(rev)); err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(bucketKey, []byte(handle)); err != nil {
		return err
	}
	if newCategory {
		labels, err := loadCategories(ctx)
		if err != nil {
			return err
		}
		labels = append(labels, label)
		sort.Strings(labels)
		if err := ctx.GetStub().PutState(keyCatList, mustJSON(labels)); err != nil {
			return err
		}
	}
	tgt.Fulfilled = true
	if err := ctx.GetStub().PutState(keyReqPrefix+requestID, mustJSON(tgt)); err != nil {
		return err
	}

	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventRecordDecrypted, mustJSON(map[string]any{
			"id":    id,
			"label": label,
			"time":  nowRFC3339(ctx),
		}))
	}
	return nil
}

// OnCategoryCountDecrypted applies a decryption oracle response for a category
// count request and returns the revealed count as JSON.
//
// The count is a read-only preview: it is returned, not persisted, and no
// event is emitted. The fulfilled DREQ entry is tombstoned; a record reveal
// has its own revealed guard, but a category count does not, so the tombstone
// check here is what rejects a replayed category callback.
func (c *RelHeatContract) OnCategoryCountDecrypted(ctx contractapi.TransactionContextInterface, requestID, cleartextHex, proofB64 string) (string, error) {
	tgt, err := loadTarget(ctx, requestID)
	if err != nil {
		return "", err
	}
	if tgt.Kind != targetKindCategory || tgt.Label == "" {
		return "", fmt.Errorf("request %s targets no category: %w", requestID, ErrUnknownRequest)
	}
	if tgt.Fulfilled {
		return "", fmt.Errorf("request %s already fulfilled: %w", requestID, ErrUnknownRequest)
	}

	// The bucket must still exist for the response to be meaningful.
	raw, err := ctx.GetStub().GetState(keyBucketPrefix + tgt.Label)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("category %q: %w", tgt.Label, ErrCategoryNotFound)
	}

	params, _ := getParams(ctx)
	if err := checkProof(ctx, params, requestID, cleartextHex, proofB64); err != nil {
		return "", err
	}

	vals, err := decodeCleartexts(cleartextHex, 1)
	if err != nil {
		return "", err
	}

	tgt.Fulfilled = true
	if err := ctx.GetStub().PutState(keyReqPrefix+requestID, mustJSON(tgt)); err != nil {
		return "", err
	}

	return fmt.Sprintf(`{"label":"%s","count":%d}`, tgt.Label, vals[0]), nil
}

/* Health */

// Ping is a simple health check used by deployment tooling and test harnesses.
func (c *RelHeatContract) Ping(ctx contractapi.TransactionContextInterface) (string, error) {
	return "OK:" + ctx.GetStub().GetTxID(), nil
}

func main() {
	cc, err := contractapi.NewChaincode(new(RelHeatContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
