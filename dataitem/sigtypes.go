// Package dataitem implements the ANS-104 data item wire format: header
// parsing, server-side assembly and signing, and the signed upload
// receipt.
package dataitem

// Signature type ids carried in the first two bytes of a data item.
const (
	SignatureArweave       = 1
	SignatureED25519       = 2
	SignatureEthereum      = 3
	SignatureSolana        = 4
	SignatureInjectedAptos = 5
	SignatureMultiAptos    = 6
	SignatureTypedEthereum = 7
	SignatureKyve          = 101
)

// SigConfig gives the fixed signature and owner field widths for a
// signature type.
type SigConfig struct {
	Name            string
	SignatureLength int
	OwnerLength     int
}

var sigConfigs = map[int]SigConfig{
	SignatureArweave:       {Name: "arweave", SignatureLength: 512, OwnerLength: 512},
	SignatureED25519:       {Name: "ed25519", SignatureLength: 64, OwnerLength: 32},
	SignatureEthereum:      {Name: "ethereum", SignatureLength: 65, OwnerLength: 65},
	SignatureSolana:        {Name: "solana", SignatureLength: 64, OwnerLength: 32},
	SignatureInjectedAptos: {Name: "injectedaptos", SignatureLength: 64, OwnerLength: 32},
	SignatureMultiAptos:    {Name: "multiaptos", SignatureLength: 64*32 + 4, OwnerLength: 32*32 + 1},
	SignatureTypedEthereum: {Name: "typedethereum", SignatureLength: 65, OwnerLength: 42},
	SignatureKyve:          {Name: "kyve", SignatureLength: 65, OwnerLength: 65},
}

// ConfigFor resolves the wire widths for a signature type.
func ConfigFor(sigType int) (SigConfig, bool) {
	cfg, ok := sigConfigs[sigType]
	return cfg, ok
}

// KnownSignatureType reports whether the 16-bit prefix names a registered
// signature type.
func KnownSignatureType(sigType int) bool {
	_, ok := sigConfigs[sigType]
	return ok
}

// MinHeaderSize is the smallest possible ANS-104 header: signature type
// prefix, the narrowest signature and owner fields, two absent optional
// fields and the two tag length words.
const MinHeaderSize = 2 + 64 + 32 + 1 + 1 + 8 + 8
