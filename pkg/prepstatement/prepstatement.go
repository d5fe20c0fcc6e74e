package prepstatement

import (
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// PlanSource is the analyzed and rewritten form of a prepared query,
// produced by the planning layer. The directory only stores it and hands
// it back by name; Save moves it to longer-lived storage on insertion,
// Release drops it when the entry goes away.
type PlanSource interface {
	Query() string
	CommandTag() string
	Save() error
	Release()
}

// PreparedStatementDescriptor carries the extended-protocol metadata of
// a statement created through a wire-level Parse rather than SQL
// PREPARE.
type PreparedStatementDescriptor struct {
	NoData    bool
	ParamDesc *pgproto3.ParameterDescription
	RowDesc   *pgproto3.RowDescription
}

// PreparedStatement is one named statement owned by this process.
type PreparedStatement struct {
	Name        string
	Plan        PlanSource
	Desc        *PreparedStatementDescriptor
	FromSQL     bool
	UseResOwner bool
	PrepareTime time.Time
}

// StoreFlags qualifies a Store call.
type StoreFlags struct {
	// created by SQL PREPARE rather than a protocol-level Parse
	FromSQL bool
	// lifetime tracked by the transaction resource owner
	UseResOwner bool
	// replace the stored definition when the command type matches
	Rewrite bool
	// extended-protocol metadata, when coming from the Parse path
	Desc *PreparedStatementDescriptor
}
