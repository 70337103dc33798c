// custref_test.go
//
// Purpose: Unit tests for the private customer-reference registry — transient
//          ingestion, validation, and the hash-based existence check.
// Key deps: gomock with the generated fakes for ChaincodeStub and Tx context.

package main

import (
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/golang/mock/gomock"

	f "github.com/yourorg/relheat_cc/fakes"
)

type custHarness struct {
	ctrl      *gomock.Controller
	ctx       *f.MockTransactionContextInterface
	pdc       map[string][]byte
	transient map[string][]byte
	cc        *CustRefContract
}

// newCustHarness wires an in-memory private data collection behind the stub.
func newCustHarness(t *testing.T) *custHarness {
	t.Helper()
	ctrl := gomock.NewController(t)
	stub := f.NewMockChaincodeStubInterface(ctrl)
	ctx := f.NewMockTransactionContextInterface(ctrl)
	h := &custHarness{
		ctrl: ctrl, ctx: ctx,
		pdc:       make(map[string][]byte),
		transient: make(map[string][]byte),
		cc:        new(CustRefContract),
	}

	ctx.EXPECT().GetStub().Return(stub).AnyTimes()
	stub.EXPECT().GetTransient().AnyTimes().DoAndReturn(func() (map[string][]byte, error) {
		return h.transient, nil
	})
	stub.EXPECT().PutPrivateData(gomock.Eq(custColl), gomock.Any(), gomock.Any()).
		AnyTimes().
		DoAndReturn(func(coll, k string, v []byte) error {
			h.pdc[k] = append([]byte(nil), v...)
			return nil
		})
	stub.EXPECT().GetPrivateData(gomock.Eq(custColl), gomock.Any()).
		AnyTimes().
		DoAndReturn(func(coll, k string) ([]byte, error) {
			if v, ok := h.pdc[k]; ok {
				return append([]byte(nil), v...), nil
			}
			return nil, nil
		})
	stub.EXPECT().GetPrivateDataHash(gomock.Eq(custColl), gomock.Any()).
		AnyTimes().
		DoAndReturn(func(coll, k string) ([]byte, error) {
			if v, ok := h.pdc[k]; ok {
				sum := sha256.Sum256(v)
				return sum[:], nil
			}
			return nil, nil
		})

	return h
}

// putEntries stages refs in the transient map and runs PutCustomerRefChunk.
func (h *custHarness) putEntries(t *testing.T, orgUnit string, refs []CustomerRef) error {
	t.Helper()
	b, err := json.Marshal(refs)
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}
	h.transient["entries"] = b
	return h.cc.PutCustomerRefChunk(h.ctx, orgUnit)
}

func TestCustRef_PutAndGet(t *testing.T) {
	h := newCustHarness(t)
	defer h.ctrl.Finish()

	refs := []CustomerRef{
		{RecordID: 1, CustomerID: "cust-0001", Segment: "retail", ManagerID: "mgr-7", ConsentRef: "consent-a"},
		{RecordID: 2, CustomerID: "cust-0002", Segment: "SME"},
	}
	if err := h.putEntries(t, "branch-01", refs); err != nil {
		t.Fatalf("PutCustomerRefChunk: %v", err)
	}

	out, err := h.cc.GetCustomerRef(h.ctx, 1)
	if err != nil {
		t.Fatalf("GetCustomerRef: %v", err)
	}
	var got CustomerRef
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("ref json: %v", err)
	}
	if got.CustomerID != "cust-0001" || got.OrgUnit != "branch-01" || got.ManagerID != "mgr-7" {
		t.Fatalf("stored ref mismatch: %+v", got)
	}

	// Segment is normalized to lowercase.
	out, err = h.cc.GetCustomerRef(h.ctx, 2)
	if err != nil {
		t.Fatalf("GetCustomerRef: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("ref json: %v", err)
	}
	if got.Segment != "sme" {
		t.Fatalf("segment = %q, want normalized \"sme\"", got.Segment)
	}

	if _, err := h.cc.GetCustomerRef(h.ctx, 3); err == nil {
		t.Fatalf("expected not-found for record 3")
	}
}

func TestCustRef_HasCustomerRef(t *testing.T) {
	h := newCustHarness(t)
	defer h.ctrl.Finish()

	ok, err := h.cc.HasCustomerRef(h.ctx, 1)
	if err != nil || ok {
		t.Fatalf("HasCustomerRef(1) = %v err=%v before any write", ok, err)
	}

	refs := []CustomerRef{{RecordID: 1, CustomerID: "cust-0001", Segment: "corporate"}}
	if err := h.putEntries(t, "branch-01", refs); err != nil {
		t.Fatalf("PutCustomerRefChunk: %v", err)
	}

	ok, err = h.cc.HasCustomerRef(h.ctx, 1)
	if err != nil || !ok {
		t.Fatalf("HasCustomerRef(1) = %v err=%v after write", ok, err)
	}
}

func TestCustRef_RejectsBadEntries(t *testing.T) {
	h := newCustHarness(t)
	defer h.ctrl.Finish()

	if err := h.cc.PutCustomerRefChunk(h.ctx, ""); err == nil {
		t.Fatalf("expected error for empty org unit")
	}
	if err := h.cc.PutCustomerRefChunk(h.ctx, "branch-01"); err == nil {
		t.Fatalf("expected error with transient[entries] missing")
	}

	cases := []struct {
		name string
		refs []CustomerRef
	}{
		{"missing record id", []CustomerRef{{CustomerID: "c", Segment: "retail"}}},
		{"missing customer id", []CustomerRef{{RecordID: 1, Segment: "retail"}}},
		{"bad segment", []CustomerRef{{RecordID: 1, CustomerID: "c", Segment: "vip"}}},
		{"org mismatch", []CustomerRef{{RecordID: 1, CustomerID: "c", Segment: "retail", OrgUnit: "branch-99"}}},
	}
	for _, c := range cases {
		if err := h.putEntries(t, "branch-01", c.refs); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
}
