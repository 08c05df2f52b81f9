package ledger

import "encoding/json"

// Well-known program addresses.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// AccountKey is one entry of a transaction message's account list.
type AccountKey struct {
	Pubkey string `json:"pubkey"`
	Signer bool   `json:"signer"`
}

// TokenAmount carries the raw integer amount of a token instruction.
type TokenAmount struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

// InstructionInfo is the union of the parsed-info fields emitted for
// system transfers and SPL token transfer/transferChecked instructions.
// Fields not present for a given instruction type decode to their zero
// values.
type InstructionInfo struct {
	Source      string       `json:"source,omitempty"`
	Destination string       `json:"destination,omitempty"`
	Lamports    json.Number  `json:"lamports,omitempty"`
	Authority   string       `json:"authority,omitempty"`
	Mint        string       `json:"mint,omitempty"`
	Amount      string       `json:"amount,omitempty"`
	TokenAmount *TokenAmount `json:"tokenAmount,omitempty"`
}

// ParsedDetail is the decoded form of an instruction a node was able
// to parse.
type ParsedDetail struct {
	Type string          `json:"type"`
	Info InstructionInfo `json:"info"`
}

// Instruction is one entry of a parsed transaction message. Raw
// (unparseable) instructions have a nil Parsed field.
type Instruction struct {
	Program   string        `json:"program,omitempty"`
	ProgramID string        `json:"programId,omitempty"`
	Parsed    *ParsedDetail `json:"parsed,omitempty"`
}

// IsParsed reports whether the node decoded this instruction.
func (in Instruction) IsParsed() bool {
	return in.Parsed != nil && in.Program != ""
}

// InnerInstructionGroup holds the inner instructions emitted while
// executing the top-level instruction at Index.
type InnerInstructionGroup struct {
	Index        int           `json:"index"`
	Instructions []Instruction `json:"instructions"`
}

// TransactionMeta is the execution metadata of a confirmed transaction.
type TransactionMeta struct {
	Err               json.RawMessage         `json:"err"`
	InnerInstructions []InnerInstructionGroup `json:"innerInstructions"`
}

// TransactionMessage is the parsed message body of a transaction.
type TransactionMessage struct {
	AccountKeys  []AccountKey  `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// Transaction is a parsed on-chain transaction with its metadata.
type Transaction struct {
	Slot      uint64
	BlockTime *int64
	Meta      *TransactionMeta
	Message   TransactionMessage
}

// Failed reports whether execution ended with an on-chain error.
func (t *Transaction) Failed() bool {
	if t.Meta == nil || len(t.Meta.Err) == 0 {
		return false
	}
	return string(t.Meta.Err) != "null"
}

// SignedBy reports whether wallet appears among the transaction's
// signing account keys.
func (t *Transaction) SignedBy(wallet string) bool {
	for _, key := range t.Message.AccountKeys {
		if key.Signer && key.Pubkey == wallet {
			return true
		}
	}
	return false
}

// ParsedInstructions returns every instruction the node decoded, in
// ledger order: top-level instructions first, then each inner group.
func (t *Transaction) ParsedInstructions() []Instruction {
	var out []Instruction
	for _, in := range t.Message.Instructions {
		if in.IsParsed() {
			out = append(out, in)
		}
	}
	if t.Meta == nil {
		return out
	}
	for _, group := range t.Meta.InnerInstructions {
		for _, in := range group.Instructions {
			if in.IsParsed() {
				out = append(out, in)
			}
		}
	}
	return out
}

// AccountInfo is the parsed-data payload of a token account or mint.
type AccountInfo struct {
	Mint     string `json:"mint"`
	Owner    string `json:"owner"`
	Decimals int    `json:"decimals"`
}

// Account is the resolved state of an on-chain account. OwnerProgram
// is the program that owns the account; Parsed is non-nil only when
// the node could decode the account data.
type Account struct {
	OwnerProgram string
	Parsed       *AccountInfo
}
