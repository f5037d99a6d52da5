package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/Polqt/docsync/id"
	"github.com/Polqt/docsync/storage"
)

// deviceIdentityDocID is the reserved key under which the device's
// stable identifier is persisted, reusing the same docs KV bucket every
// other record lives in rather than introducing a second store (spec
// §6: "device storage key docsync:deviceId").
const deviceIdentityDocID = "docsync:deviceId"

// ClientID combines a userId and deviceId into the wire-level identity
// spec §4.8 defines as ClientId = f(userId, deviceId): presence entries,
// device-exclusion on dirty pushes, and the intra-device broadcast hub
// are all keyed off of this string.
func ClientID(userID, deviceID string) string {
	return userID + "/" + deviceID
}

// LoadOrCreateDeviceID returns this device's persisted identifier,
// minting and storing a new one on first run.
func LoadOrCreateDeviceID(ctx context.Context, provider storage.Provider) (string, error) {
	var deviceID string
	err := provider.Transaction(ctx, storage.ReadWrite, func(tx storage.Tx) error {
		rec, err := tx.GetSerializedDoc(ctx, deviceIdentityDocID)
		if err == nil {
			deviceID = string(rec.SerializedDoc)
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		deviceID = id.NewDeviceID()
		return tx.SaveSerializedDoc(ctx, storage.DocRecord{
			DocID:         deviceIdentityDocID,
			SerializedDoc: []byte(deviceID),
			Clock:         0,
		})
	})
	if err != nil {
		return "", fmt.Errorf("client: load device id: %w", err)
	}
	return deviceID, nil
}
