package main

/*
fhe-copro (additive-homomorphic coprocessor, demo)

Exports (consumed by relheat via cc2cc):
  1) SetPublicKey(pkJSON)
       PUBLIC state:
         FHEPK → {"n":"<hex>","g":"<hex>","n2":"<hex>"} (canonicalized)
  2) GetPublicKey() → stored canonical JSON
  3) Zero() → "1" (encrypted zero; multiplicative identity mod n²)
  4) Add(aHex, bHex) → hex product mod n² (homomorphic addition)
  5) AddOne(aHex) → hex product with the canonical Enc(1) = g mod n²
  6) IsInitialized(handle) → "true"/"false"

Ciphertext handles are hex big integers mod n². The scheme is a deterministic
Paillier-style toy: good enough to exercise the aggregation protocol, not a
real FHE backend.
*/

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
)

const keyFHEPK = "FHEPK" // → PublicKey JSON

// PublicKey holds the toy Paillier parameters (hex, canonical lowercase).
type PublicKey struct {
	N  string `json:"n"`
	G  string `json:"g"`
	N2 string `json:"n2,omitempty"`
}

type CoproContract struct{ contractapi.Contract }

// Cache parsed key material per channel (thread-safe)
var fhePKCache sync.Map // Key: channelID -> coproKey

type coproKey struct {
	g  *big.Int
	n2 *big.Int
}

/* hex / big.Int helpers */

// bigFromHex parses a hex string (with or without 0x) into a big.Int.
func bigFromHex(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	if b, err := hex.DecodeString(s); err == nil {
		return new(big.Int).SetBytes(b), nil
	}
	if z, ok := new(big.Int).SetString(s, 10); ok {
		return z, nil
	}
	return nil, fmt.Errorf("bad hex integer: %q", s)
}

// hexFromBig encodes a big.Int as lowercase hex without 0x and without leading zeros.
func hexFromBig(x *big.Int) string {
	if x == nil || x.Sign() == 0 {
		return "0"
	}
	s := strings.ToLower(x.Text(16))
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// mulMod returns (a*b) mod m.
func mulMod(x, y, mod *big.Int) *big.Int {
	z := new(big.Int).Mul(x, y)
	return z.Mod(z, mod)
}

// handleChecks validates a ciphertext handle for modular arithmetic:
// 1 <= c < n² and gcd(c, n²) = 1 (the identity "1" is a valid Enc(0)).
func handleChecks(c, n2 *big.Int) error {
	one := big.NewInt(1)
	if c.Cmp(one) < 0 || c.Cmp(n2) >= 0 {
		return fmt.Errorf("handle out of range")
	}
	g := new(big.Int).GCD(nil, nil, c, n2)
	if g.Cmp(one) != 0 {
		return fmt.Errorf("handle not invertible mod n²")
	}
	return nil
}

// loadKey loads the coprocessor key material, cached per channel.
func loadKey(ctx contractapi.TransactionContextInterface) (*coproKey, error) {
	ch := ctx.GetStub().GetChannelID()
	if v, ok := fhePKCache.Load(ch); ok {
		k := v.(coproKey)
		return &k, nil
	}
	raw, err := ctx.GetStub().GetState(keyFHEPK)
	if err != nil {
		return nil, fmt.Errorf("get fhe pk: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("fhe public key not set")
	}
	var pk PublicKey
	if err := json.Unmarshal(raw, &pk); err != nil {
		return nil, fmt.Errorf("fhe pk json: %w", err)
	}
	n, err := bigFromHex(pk.N)
	if err != nil {
		return nil, fmt.Errorf("fhe pk.n parse: %w", err)
	}
	g, err := bigFromHex(pk.G)
	if err != nil {
		return nil, fmt.Errorf("fhe pk.g parse: %w", err)
	}
	var n2 *big.Int
	if pk.N2 != "" {
		n2, err = bigFromHex(pk.N2)
		if err != nil {
			return nil, fmt.Errorf("fhe pk.n2 parse: %w", err)
		}
	} else {
		n2 = new(big.Int).Mul(n, n)
	}
	k := coproKey{g: g, n2: n2}
	fhePKCache.Store(ch, k)
	return &k, nil
}

/* Admin */

// SetPublicKey stores the coprocessor key material, canonicalized.
func (c *CoproContract) SetPublicKey(ctx contractapi.TransactionContextInterface, pkJSON string) error {
	var pk PublicKey
	if err := json.Unmarshal([]byte(pkJSON), &pk); err != nil {
		return fmt.Errorf("bad pk json: %w", err)
	}
	if pk.N == "" || pk.G == "" {
		return fmt.Errorf("pk must include hex n and g")
	}

	n, err := bigFromHex(pk.N)
	if err != nil {
		return fmt.Errorf("pk.N bad hex: %w", err)
	}
	g, err := bigFromHex(pk.G)
	if err != nil {
		return fmt.Errorf("pk.G bad hex: %w", err)
	}
	pk.N = hexFromBig(n)
	pk.G = hexFromBig(g)
	if pk.N2 == "" {
		pk.N2 = hexFromBig(new(big.Int).Mul(n, n))
	} else {
		n2, err := bigFromHex(pk.N2)
		if err != nil {
			return fmt.Errorf("pk.N2 bad hex: %w", err)
		}
		pk.N2 = hexFromBig(n2)
	}

	canon, _ := json.Marshal(pk)
	if err := ctx.GetStub().PutState(keyFHEPK, canon); err != nil {
		return err
	}

	// Ensure next load sees the new key
	fhePKCache.Delete(ctx.GetStub().GetChannelID())
	return nil
}

// GetPublicKey returns the stored canonical key JSON.
func (c *CoproContract) GetPublicKey(ctx contractapi.TransactionContextInterface) (string, error) {
	raw, err := ctx.GetStub().GetState(keyFHEPK)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("not found")
	}
	return string(raw), nil
}

/* Homomorphic ops */

// Zero returns a fresh encrypted-zero handle (the multiplicative identity).
func (c *CoproContract) Zero(ctx contractapi.TransactionContextInterface) (string, error) {
	return "1", nil
}

// Add homomorphically adds two ciphertexts (modular product).
func (c *CoproContract) Add(ctx contractapi.TransactionContextInterface, aHex, bHex string) (string, error) {
	k, err := loadKey(ctx)
	if err != nil {
		return "", err
	}
	a, err := bigFromHex(aHex)
	if err != nil {
		return "", err
	}
	b, err := bigFromHex(bHex)
	if err != nil {
		return "", err
	}
	if err := handleChecks(a, k.n2); err != nil {
		return "", fmt.Errorf("a: %w", err)
	}
	if err := handleChecks(b, k.n2); err != nil {
		return "", fmt.Errorf("b: %w", err)
	}
	return hexFromBig(mulMod(a, b, k.n2)), nil
}

// AddOne homomorphically adds one: product with the canonical Enc(1) = g mod n².
// Deterministic on purpose; chaincode must not draw randomness.
func (c *CoproContract) AddOne(ctx contractapi.TransactionContextInterface, aHex string) (string, error) {
	k, err := loadKey(ctx)
	if err != nil {
		return "", err
	}
	a, err := bigFromHex(aHex)
	if err != nil {
		return "", err
	}
	if err := handleChecks(a, k.n2); err != nil {
		return "", err
	}
	encOne := new(big.Int).Mod(k.g, k.n2)
	return hexFromBig(mulMod(a, encOne, k.n2)), nil
}

// IsInitialized reports whether a handle is a usable ciphertext.
func (c *CoproContract) IsInitialized(ctx contractapi.TransactionContextInterface, handle string) (bool, error) {
	if strings.TrimSpace(handle) == "" {
		return false, nil
	}
	k, err := loadKey(ctx)
	if err != nil {
		return false, err
	}
	a, err := bigFromHex(handle)
	if err != nil {
		return false, nil
	}
	return handleChecks(a, k.n2) == nil, nil
}

func main() {
	cc, err := contractapi.NewChaincode(new(CoproContract))
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
