package txncoord

import (
	"fmt"
	"strconv"
	"strings"

	"pkt.systems/endpointd/internal/ids"
)

// DefaultFormatID tags xids generated by this engine.
const DefaultFormatID int32 = 0x454e44

// NullFormatID marks an xid that carries no transaction.
const NullFormatID int32 = -1

// Xid identifies a global transaction branch.
type Xid struct {
	FormatID int32
	GlobalID string
	BranchID string
}

// NewXid returns a fresh xid for an internally begun transaction.
func NewXid() Xid {
	return Xid{
		FormatID: DefaultFormatID,
		GlobalID: ids.NewGlobalTxnID(),
		BranchID: ids.NewBranchID(),
	}
}

// ImportedXid builds the xid of a transaction begun by an external owner.
func ImportedXid(formatID int32, globalID, branchID string) Xid {
	return Xid{FormatID: formatID, GlobalID: globalID, BranchID: branchID}
}

// Valid reports whether x names a transaction. An xid with a negative
// format id is a null xid and is delivered as if no xid were supplied.
func (x Xid) Valid() bool {
	return x.FormatID >= 0 && x.GlobalID != ""
}

// String renders the xid as formatID:globalID:branchID.
func (x Xid) String() string {
	return strconv.FormatInt(int64(x.FormatID), 10) + ":" + x.GlobalID + ":" + x.BranchID
}

// ParseXid parses the String form.
func ParseXid(s string) (Xid, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 3)
	if len(parts) < 2 {
		return Xid{}, fmt.Errorf("txncoord: malformed xid %q", s)
	}
	format, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("txncoord: malformed xid format id %q: %w", parts[0], err)
	}
	x := Xid{FormatID: int32(format), GlobalID: parts[1]}
	if len(parts) == 3 {
		x.BranchID = parts[2]
	}
	if x.GlobalID == "" {
		return Xid{}, fmt.Errorf("txncoord: xid %q has no global id", s)
	}
	return x, nil
}
