package protocol

import (
	"regexp"
	"strings"
)

// IRFormat identifies the encoding of a raw IR code.
type IRFormat string

const (
	// IRFormatPronto is the space-separated PRONTO hex form, always starting
	// with the "0000" preamble word.
	IRFormatPronto IRFormat = "PRONTO"
	// IRFormatHex is the compact "<protocol>;0x<code>;<bits>;<repeats>" form.
	IRFormatHex IRFormat = "HEX"
	// IRFormatUnknown is returned for codes matching neither form.
	IRFormatUnknown IRFormat = ""
)

var hexCodePattern = regexp.MustCompile(`^[0-9]+;0x[0-9A-Fa-f]+;[0-9]+;[0-9]+$`)

// DetectIRFormat classifies a raw IR code string. HEX is checked first: a
// PRONTO code is only recognized by its preamble, which a HEX code can never
// carry.
func DetectIRFormat(code string) IRFormat {
	code = strings.TrimSpace(code)
	if hexCodePattern.MatchString(code) {
		return IRFormatHex
	}
	if strings.HasPrefix(code, "0000 ") || code == "0000" {
		return IRFormatPronto
	}
	return IRFormatUnknown
}
