package main

/*
fhe-oracle (decryption request registry)

Exports (consumed by relheat via cc2cc, and by the off-chain oracle worker):
  1) RequestDecryption(callbackSelector, handlesJSON)
       PUBLIC state:
         ORSEQ            → last issued request sequence (decimal)
         PEND::<reqID>    → full PendingRequest JSON
         PENDLIST         → ["req-000001", ...] (sorted)
     - Issues a deterministic request id and records what has to be decrypted
       and which contract function the worker must call back.
  2) GetRequest(reqID) → stored PendingRequest JSON
  3) ListRequests() → JSON list of pending request ids
  4) MarkFulfilled(reqID)
     - Called by the worker after it has driven the callback transaction;
       prunes the entry and the list.

The registry holds no key material and performs no cryptography: decryption
happens off-chain. On-chain it only provides the durable request ledger the
callback correlation depends on.
*/

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
)

const (
	keyORSeq      = "ORSEQ"    // → last issued request sequence (decimal)
	keyPendPrefix = "PEND::"   // PEND::<reqID> → PendingRequest JSON
	keyPendList   = "PENDLIST" // → []string pending request ids (sorted)
)

// PendingRequest records what an issued request id stands for.
type PendingRequest struct {
	RequestID string   `json:"requestID"`
	Selector  string   `json:"selector"` // Callback function on the requesting CC
	Handles   []string `json:"handles"`  // Ciphertext handles to decrypt, in order
	Caller    string   `json:"caller,omitempty"`
	CreatedAt string   `json:"createdAt"` // Tx id of the requesting transaction
}

type OracleContract struct{ contractapi.Contract }

func pendKey(reqID string) string { return keyPendPrefix + reqID }

// nextRequestID allocates the next sequential request identifier.
func nextRequestID(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyORSeq)
	if err != nil {
		return "", fmt.Errorf("get seq: %w", err)
	}
	var next uint64 = 1
	if raw != nil {
		last, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return "", fmt.Errorf("seq parse: %w", err)
		}
		next = last + 1
	}
	if err := ctx.GetStub().PutState(keyORSeq, []byte(strconv.FormatUint(next, 10))); err != nil {
		return "", err
	}
	return fmt.Sprintf("req-%06d", next), nil
}

// checkHandleHex rejects handles that are empty or not hex.
func checkHandleHex(h string) error {
	s := strings.TrimSpace(h)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return fmt.Errorf("empty handle")
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("bad handle hex: %w", err)
	}
	return nil
}

// loadList reads the pending request id list (sorted).
func loadList(ctx contractapi.TransactionContextInterface) ([]string, error) {
	raw, err := ctx.GetStub().GetState(keyPendList)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return []string{}, nil
	}
	sort.Strings(ids)
	return ids, nil
}

// storeList writes the pending request id list (sorted, even if empty).
func storeList(ctx contractapi.TransactionContextInterface, ids []string) error {
	sort.Strings(ids)
	b, _ := json.Marshal(ids)
	return ctx.GetStub().PutState(keyPendList, b)
}

// RequestDecryption registers a decryption request and returns its id.
// The selector names the function the worker must invoke on the calling
// chaincode once the cleartexts are available.
func (c *OracleContract) RequestDecryption(ctx contractapi.TransactionContextInterface, callbackSelector, handlesJSON string) (string, error) {
	callbackSelector = strings.TrimSpace(callbackSelector)
	if callbackSelector == "" {
		return "", fmt.Errorf("callback selector empty")
	}

	var handles []string
	if err := json.Unmarshal([]byte(handlesJSON), &handles); err != nil {
		return "", fmt.Errorf("parse handles: %w", err)
	}
	if len(handles) == 0 {
		return "", fmt.Errorf("no handles to decrypt")
	}
	for i, h := range handles {
		if err := checkHandleHex(h); err != nil {
			return "", fmt.Errorf("handle %d: %w", i, err)
		}
	}

	reqID, err := nextRequestID(ctx)
	if err != nil {
		return "", err
	}

	req := PendingRequest{
		RequestID: reqID,
		Selector:  callbackSelector,
		Handles:   handles,
		CreatedAt: ctx.GetStub().GetTxID(),
	}
	b, _ := json.Marshal(&req)
	if err := ctx.GetStub().PutState(pendKey(reqID), b); err != nil {
		return "", err
	}

	ids, err := loadList(ctx)
	if err != nil {
		return "", err
	}
	ids = append(ids, reqID)
	if err := storeList(ctx, ids); err != nil {
		return "", err
	}

	return reqID, nil
}

// GetRequest returns the stored pending request JSON.
func (c *OracleContract) GetRequest(ctx contractapi.TransactionContextInterface, reqID string) (string, error) {
	reqID = strings.TrimSpace(reqID)
	if reqID == "" {
		return "", fmt.Errorf("request id empty")
	}
	raw, err := ctx.GetStub().GetState(pendKey(reqID))
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("request %q not found", reqID)
	}
	return string(raw), nil
}

// ListRequests returns the sorted pending request ids as JSON.
func (c *OracleContract) ListRequests(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyPendList)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "[]", nil
	}
	return string(raw), nil
}

// MarkFulfilled prunes a request after the worker has driven the callback.
// Idempotence is intentional on the list side; the entry itself must exist.
func (c *OracleContract) MarkFulfilled(ctx contractapi.TransactionContextInterface, reqID string) error {
	reqID = strings.TrimSpace(reqID)
	if reqID == "" {
		return fmt.Errorf("request id empty")
	}
	raw, err := ctx.GetStub().GetState(pendKey(reqID))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("request %q not found", reqID)
	}
	if err := ctx.GetStub().DelState(pendKey(reqID)); err != nil {
		return err
	}

	ids, err := loadList(ctx)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != reqID {
			kept = append(kept, id)
		}
	}
	return storeList(ctx, kept)
}

func main() {
	cc, err := contractapi.NewChaincode(new(OracleContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
