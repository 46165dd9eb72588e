package csip

import (
	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire/advertising"
)

// IsSetMember reports whether ad is a resolvable set identifier generated
// from sirk. The RSI is hash (LE24) followed by prand (LE24).
func IsSetMember(sirk [SIRKSize]byte, ad advertising.ADStructure) bool {
	if ad.Type != advertising.ADTypeRSI || len(ad.Data) != advertising.RSILen {
		return false
	}

	hash := getLE24(ad.Data[0:3])
	prand := getLE24(ad.Data[3:6])

	calculated, err := SIH(sirk, prand)
	if err != nil {
		logger.Warn("CSIP", "sih failed: %v", err)
		return false
	}
	logger.Trace("CSIP", "rsi hash 0x%06X prand 0x%06X calculated 0x%06X", hash, prand, calculated)

	return calculated&0xFFFFFF == hash
}
