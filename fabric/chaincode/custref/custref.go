package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
)

/*
custref (customer reference registry, private data)

The public ledger holds only opaque ciphertext handles; this companion keeps
the consented customer reference data that links a record id back to a real
relationship in the "customer_ref_pdc" private data collection. Entries arrive
via the transient map so they never appear in the transaction proposal.

Exports:
  1) PutCustomerRefChunk(orgUnit)
       transient["entries"] = JSON array of CustomerRef
  2) HasCustomerRef(recordID) → true/false (via GetPrivateDataHash)
  3) GetCustomerRef(recordID) → full CustomerRef JSON (collection members only)
*/

const custColl = "customer_ref_pdc"

// CustomerRef links a submitted record to its customer relationship.
type CustomerRef struct {
	RecordID   uint64 `json:"record_id"`
	CustomerID string `json:"customer_id"`
	OrgUnit    string `json:"org_unit"`
	Segment    string `json:"segment"` // "retail", "sme" or "corporate"
	ManagerID  string `json:"manager_id"`
	ConsentRef string `json:"consent_ref"`
}

type CustRefContract struct{ contractapi.Contract }

func keyCust(recordID uint64) string {
	return "CUST::" + strconv.FormatUint(recordID, 10)
}

// PutCustomerRefChunk writes an array of CustomerRef into the PDC via
// transient["entries"] (JSON array bytes).
func (s *CustRefContract) PutCustomerRefChunk(ctx contractapi.TransactionContextInterface, orgUnit string) error {
	orgUnit = strings.TrimSpace(orgUnit)
	if orgUnit == "" {
		return errors.New("org_unit is required")
	}
	tm, err := ctx.GetStub().GetTransient()
	if err != nil {
		return fmt.Errorf("get transient: %w", err)
	}
	raw, ok := tm["entries"]
	if !ok || len(raw) == 0 {
		return errors.New("transient[entries] missing")
	}
	var refs []CustomerRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("decode entries: %w", err)
	}
	for _, r := range refs {
		if r.OrgUnit == "" {
			r.OrgUnit = orgUnit
		}
		if r.OrgUnit != orgUnit {
			return fmt.Errorf("row org_unit mismatch for record %d", r.RecordID)
		}
		if r.RecordID == 0 {
			return errors.New("record_id empty")
		}
		if strings.TrimSpace(r.CustomerID) == "" {
			return fmt.Errorf("customer_id empty for record %d", r.RecordID)
		}
		r.Segment = strings.ToLower(strings.TrimSpace(r.Segment))
		switch r.Segment {
		case "retail", "sme", "corporate":
		default:
			return fmt.Errorf("invalid segment %q for record %d", r.Segment, r.RecordID)
		}
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if err := ctx.GetStub().PutPrivateData(custColl, keyCust(r.RecordID), val); err != nil {
			return fmt.Errorf("put PDC: %w", err)
		}
	}
	return nil
}

// HasCustomerRef reports whether a record has linked customer data.
// Uses GetPrivateDataHash so non-members of the collection can also ask.
func (s *CustRefContract) HasCustomerRef(ctx contractapi.TransactionContextInterface, recordID uint64) (bool, error) {
	h, err := ctx.GetStub().GetPrivateDataHash(custColl, keyCust(recordID))
	if err != nil {
		return false, err
	}
	return len(h) > 0, nil
}

// GetCustomerRef returns the private customer reference for a record.
func (s *CustRefContract) GetCustomerRef(ctx contractapi.TransactionContextInterface, recordID uint64) (string, error) {
	val, err := ctx.GetStub().GetPrivateData(custColl, keyCust(recordID))
	if err != nil {
		return "", err
	}
	if len(val) == 0 {
		return "", fmt.Errorf("customer ref not found")
	}
	return string(val), nil
}

func main() {
	cc, err := contractapi.NewChaincode(new(CustRefContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
