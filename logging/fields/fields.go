package fields

import (
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"go.uber.org/zap"
)

const (
	FieldAddress  = "address"
	FieldCount    = "count"
	FieldDuration = "duration"
	FieldName     = "name"
	FieldPubKey   = "pubkey"
	FieldStatus   = "status"
	FieldTook     = "took"
	FieldURL      = "url"
)

func Address(val string) zap.Field {
	return zap.String(FieldAddress, val)
}

func Count(val int) zap.Field {
	return zap.Int(FieldCount, val)
}

func Duration(val time.Time) zap.Field {
	return zap.Duration(FieldDuration, time.Since(val))
}

func Name(val string) zap.Field {
	return zap.String(FieldName, val)
}

func PubKey(pubKey phase0.BLSPubKey) zap.Field {
	return zap.Stringer(FieldPubKey, pubKey)
}

func Status(val string) zap.Field {
	return zap.String(FieldStatus, val)
}

func Took(duration time.Duration) zap.Field {
	return zap.Duration(FieldTook, duration)
}

func URL(val string) zap.Field {
	return zap.String(FieldURL, val)
}
