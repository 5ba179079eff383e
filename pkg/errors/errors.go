package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Code is the type representing a namespace error code.
// Transient marks failures the queue layer is allowed to redeliver.
type Code[MT any] struct {
	Code      uint16
	Name      string
	Transient bool
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	IsTransient() bool
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

func (e *ErrorImpl[MT]) IsTransient() bool {
	return e.code.Transient
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

// HasCode reports whether err carries the given numeric code.
func HasCode[MT any](err error, code Code[MT]) bool {
	var coded Error
	if !stderrors.As(err, &coded) {
		return false
	}
	return coded.Code() == code.Code
}

// IsTransient reports whether err should be treated as retryable.
// Non-coded errors are considered transient: they are infrastructure
// faults the queue redelivers up to its budget.
func IsTransient(err error) bool {
	var coded Error
	if !stderrors.As(err, &coded) {
		return true
	}
	return coded.IsTransient()
}

type OutpointMetadata struct {
	Outpoint string `json:"outpoint"`
}

type OutpointsMetadata struct {
	TransactionId string   `json:"transaction_id"`
	Outpoints     []string `json:"outpoints"`
}

type PoolMetadata struct {
	AssetId string `json:"asset_id"`
}

type AmountMetadata struct {
	Required  uint64 `json:"required"`
	Available uint64 `json:"available"`
}

type ChannelMetadata struct {
	MultisigAddress string `json:"multisig_address"`
	AssetId         string `json:"asset_id"`
}

type ChannelAmountMetadata struct {
	ClientAmount uint64 `json:"client_amount"`
	HubAmount    uint64 `json:"hub_amount"`
	ChannelTotal uint64 `json:"channel_total"`
}

type CommitmentMetadata struct {
	CommitmentId string `json:"commitment_id"`
}

type TxMetadata struct {
	Tx string `json:"tx"`
}

type TransactionIdMetadata struct {
	TransactionId string `json:"transaction_id"`
}

type AddressMetadata struct {
	Address string `json:"address"`
}

var INTERNAL_ERROR = Code[map[string]any]{0, "INTERNAL_ERROR", true}

var POOL_EMPTY = Code[PoolMetadata]{1, "PREGENERATED_POOL_IS_EMPTY", false}

var NOT_ENOUGH_BITCOIN = Code[AmountMetadata]{2, "NOT_ENOUGH_BITCOIN_AVAILABLE", false}

var NOT_ENOUGH_ASSET = Code[AmountMetadata]{3, "NOT_ENOUGH_ASSET_AVAILABLE", false}

var CONCURRENT_INPUTS = Code[OutpointsMetadata]{4, "TRANSACTION_CONCURRENT_INPUTS_PROBLEM", true}

var BAD_CHANNEL_AMOUNT = Code[ChannelAmountMetadata]{5, "BAD_CHANNEL_AMOUNT", false}

var CHANNEL_NOT_FINALIZED = Code[ChannelMetadata]{6, "CHANNEL_NOT_FINALIZED", false}

var ANOTHER_CHANNEL_SETUP_EXISTS = Code[ChannelMetadata]{7, "ANOTHER_CHANNEL_SETUP_EXISTS", false}

var CHANNEL_NOT_FOUND = Code[ChannelMetadata]{8, "CHANNEL_NOT_FOUND", false}

var COMMITMENT_EXPIRED = Code[CommitmentMetadata]{9, "COMMITMENT_EXPIRED", false}

var COMMITMENT_NOT_FOUND = Code[CommitmentMetadata]{10, "COMMITMENT_NOT_FOUND", false}

var BAD_TRANSACTION = Code[TxMetadata]{11, "BAD_TRANSACTION", false}

var BAD_FULL_SIGN_TRANSACTION = Code[TxMetadata]{12, "BAD_FULL_SIGN_TRANSACTION", false}

var ADDRESS_HAS_UNCOMPLETED_SIGN_REQUEST = Code[AddressMetadata]{
	13,
	"ADDRESS_HAS_UNCOMPLETED_SIGN_REQUEST",
	false,
}

var INVALID_ADDRESS = Code[AddressMetadata]{14, "INVALID_ADDRESS", false}

var BAD_INPUT_PARAMETER = Code[map[string]any]{15, "BAD_INPUT_PARAMETER", false}

var DUPLICATE_TRANSACTION_ID = Code[TransactionIdMetadata]{16, "DUPLICATE_TRANSACTION_ID", false}

var REVOKE_KEY_NOT_REVEALED = Code[CommitmentMetadata]{17, "REVOKE_KEY_NOT_REVEALED", false}

var PREMATURE_REVOKE_KEY_REVEAL = Code[CommitmentMetadata]{
	18,
	"PREMATURE_REVOKE_KEY_REVEAL",
	false,
}
