package rpcadapter

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/equa/go-validator/internal/log"
	"github.com/equa/go-validator/internal/validator"
)

func encodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

func decodeBytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return decoded
}

func decodeHash(s string) validator.Hash {
	var h validator.Hash
	copy(h[:], decodeBytes(s))
	return h
}

func decodeAddress(s string) validator.Address {
	var a validator.Address
	copy(a[:], decodeBytes(s))
	return a
}

func decodeHashOrZero(raw []byte, err error, logger *log.Logger) validator.Hash {
	if err != nil {
		logger.Warn("rpc call failed, returning zero hash", "error", err)
		return validator.Hash{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return validator.Hash{}
	}
	return decodeHash(s)
}

func decodeUint64OrZero(raw []byte, err error, logger *log.Logger) uint64 {
	if err != nil {
		logger.Warn("rpc call failed, returning zero", "error", err)
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			v, perr := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
			if perr == nil {
				return v
			}
		}
		return 0
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
