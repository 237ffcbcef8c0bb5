package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/HenriqueMts/vestra-erp-sub000/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("invalid request")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
)

// Error carries a user-facing message and unwraps to one of the sentinels.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

type InsufficientStockError struct {
	Key       domain.StockKey
	Label     string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	label := e.Label
	if label == "" {
		label = "o item"
	}
	return fmt.Sprintf("Estoque insuficiente para %s. Solicitado: %d, Disponível: %d", label, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// SortKeys orders keys the way every implementation acquires row locks.
func SortKeys(keys []domain.StockKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
