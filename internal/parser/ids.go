package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// idNamespace scopes every name-based UUID this service derives.
var idNamespace = uuid.MustParse("6f1c3a52-1f0e-4d8e-9a47-5d7a3c0b2e91")

// InvoiceID is stable for the same owner uploading the same bytes.
func InvoiceID(ownerID string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return uuid.NewSHA1(idNamespace, []byte(ownerID+"|"+hex.EncodeToString(sum[:]))).String()
}

// TransactionID is derived from content, never random, so re-parsing a
// statement yields the same ids.
func TransactionID(invoiceID string, ordinal int, date civil.Date, amount decimal.Decimal) string {
	name := fmt.Sprintf("%s|%d|%s|%s", invoiceID, ordinal, date, amount.String())
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}
