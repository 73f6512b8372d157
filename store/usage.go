package store

import (
	"context"
	"fmt"

	"github.com/mjl-/bstore"
)

// DiskUsage tracks the total size of all non-expunged messages in an account.
// Kept up to date in the transactions that add or remove messages.
type DiskUsage struct {
	ID          int64 // Single record with ID 1.
	MessageSize int64
}

func addDiskUsage(tx *bstore.Tx, delta int64) error {
	if delta == 0 {
		return nil
	}
	du := DiskUsage{ID: 1}
	if err := tx.Get(&du); err != nil {
		return fmt.Errorf("get disk usage: %w", err)
	}
	du.MessageSize += delta
	if du.MessageSize < 0 {
		du.MessageSize = 0
	}
	if err := tx.Update(&du); err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	return nil
}

// DiskUsage returns the total size of messages in the account.
func (a *Account) DiskUsage(ctx context.Context) (int64, error) {
	du := DiskUsage{ID: 1}
	err := a.DB.Read(ctx, func(tx *bstore.Tx) error {
		return tx.Get(&du)
	})
	return du.MessageSize, err
}

// RecalculateDiskUsage sums the sizes of all non-expunged messages and stores
// the result as the account disk usage, which is returned.
func (a *Account) RecalculateDiskUsage(ctx context.Context) (int64, error) {
	var size int64
	err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
		size = 0
		err := bstore.QueryTx[Message](tx).FilterEqual("Expunged", false).ForEach(func(m Message) error {
			size += m.Size
			return nil
		})
		if err != nil {
			return fmt.Errorf("summing message sizes: %w", err)
		}
		du := DiskUsage{ID: 1, MessageSize: size}
		return tx.Update(&du)
	})
	return size, err
}
