package dataitem

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := GenerateWallet()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	return w
}

func TestBuildRoundTrip(t *testing.T) {
	w := testWallet(t)
	payload := []byte("hello permanent world")

	info, raw, err := w.Build(BuildParams{
		Payload:      payload,
		ContentType:  "text/plain",
		Tags:         []Tag{{Name: "App-Name", Value: "demo"}},
		PayerAddress: "0x1111111111111111111111111111111111111111",
		PaymentID:    "pay-1",
		TxHash:       "0xdeadbeef",
		Network:      "base-sepolia",
		Timestamp:    time.UnixMilli(1_700_000_000_000),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	parsed, body, err := ParseBytes(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload = %q, want %q", body, payload)
	}
	if parsed.ID != info.ID {
		t.Fatalf("id %s != %s", parsed.ID, info.ID)
	}
	if parsed.SignatureType != SignatureEthereum {
		t.Fatalf("signature type = %d", parsed.SignatureType)
	}
	if parsed.ContentType != "text/plain" {
		t.Fatalf("content type = %q", parsed.ContentType)
	}
	if parsed.OwnerAddress != w.Address().Hex() {
		t.Fatalf("owner address = %s, want %s", parsed.OwnerAddress, w.Address().Hex())
	}
	if !VerifySignature(parsed, body) {
		t.Fatal("signature did not verify")
	}
}

func TestBuildDeterministicID(t *testing.T) {
	w := testWallet(t)
	params := BuildParams{
		Payload:   []byte("same bytes"),
		PaymentID: "pay-2",
		Timestamp: time.UnixMilli(1_700_000_000_000),
	}

	first, _, err := w.Build(params)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, _, err := w.Build(params)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry id %s != original %s", second.ID, first.ID)
	}
}

func TestCanonicalTagOrder(t *testing.T) {
	w := testWallet(t)
	info, _, err := w.Build(BuildParams{
		Payload: []byte("x"),
		Tags: []Tag{
			{Name: "Content-Type", Value: "spoofed/type"},
			{Name: "Custom", Value: "kept"},
		},
		Timestamp: time.UnixMilli(1),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if info.Tags[0].Name != "Content-Type" || info.Tags[0].Value != defaultContentType {
		t.Fatalf("first tag = %+v", info.Tags[0])
	}
	if info.Tags[1].Name != "Custom" {
		t.Fatalf("caller tag not second: %+v", info.Tags[1])
	}
	for _, tag := range info.Tags[2:] {
		if tag.Name == "Content-Type" {
			t.Fatal("caller Content-Type survived canonicalization")
		}
	}
	last := info.Tags[len(info.Tags)-1]
	if last.Name != "Upload-Timestamp" {
		t.Fatalf("last tag = %+v", last)
	}
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	w := testWallet(t)
	_, raw, err := w.Build(BuildParams{Payload: []byte("payload")})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for _, n := range []int{0, 1, 2, 40, int(MinHeaderSize) - 1} {
		if _, perr := Parse(bytes.NewReader(raw[:n])); !errors.Is(perr, ErrTruncated) {
			t.Fatalf("prefix %d: err = %v, want ErrTruncated", n, perr)
		}
	}
}

func TestParseRejectsUnknownSignatureType(t *testing.T) {
	raw := append([]byte{0xff, 0xff}, make([]byte, 256)...)
	if _, err := Parse(bytes.NewReader(raw)); !errors.Is(err, ErrUnknownSignatureType) {
		t.Fatalf("err = %v, want ErrUnknownSignatureType", err)
	}
}

func TestParseRejectsBadPresenceByte(t *testing.T) {
	w := testWallet(t)
	_, raw, err := w.Build(BuildParams{Payload: []byte("p")})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cfg, _ := ConfigFor(SignatureEthereum)
	raw[2+cfg.SignatureLength+cfg.OwnerLength] = 7

	if _, perr := Parse(bytes.NewReader(raw)); !errors.Is(perr, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", perr)
	}
}

func TestVerifySignatureRejectsTamper(t *testing.T) {
	w := testWallet(t)
	info, raw, err := w.Build(BuildParams{Payload: []byte("original")})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tampered := bytes.Replace(raw, []byte("original"), []byte("replaced"), 1)
	parsed, body, err := ParseBytes(tampered)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ID != info.ID {
		t.Fatalf("tamper changed id before verification")
	}
	if VerifySignature(parsed, body) {
		t.Fatal("tampered payload verified")
	}
}

func TestLooksSigned(t *testing.T) {
	if !LooksSigned([]byte{3, 0}) {
		t.Fatal("ethereum prefix not recognized")
	}
	if LooksSigned([]byte{0xff, 0xff}) {
		t.Fatal("unknown prefix recognized")
	}
	if LooksSigned([]byte{1}) {
		t.Fatal("short prefix recognized")
	}
}

func TestReceiptSignAndVerify(t *testing.T) {
	w := testWallet(t)
	receipt, err := w.SignReceipt("abc123", 1_500_000, 1_700_000_000_000)
	if err != nil {
		t.Fatalf("sign receipt: %v", err)
	}
	if receipt.Version != ReceiptVersion {
		t.Fatalf("version = %s", receipt.Version)
	}
	if err := VerifyReceipt(receipt); err != nil {
		t.Fatalf("verify: %v", err)
	}

	forged := *receipt
	forged.DeadlineHeight++
	if err := VerifyReceipt(&forged); !errors.Is(err, ErrReceiptSignature) {
		t.Fatalf("forged receipt err = %v, want ErrReceiptSignature", err)
	}
}

func TestTagsEncodeDecode(t *testing.T) {
	in := []Tag{
		{Name: "Content-Type", Value: "image/png"},
		{Name: "Empty", Value: ""},
	}
	out, err := decodeTags(encodeTags(in), uint64(len(in)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d tags, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("tag %d = %+v, want %+v", i, out[i], in[i])
		}
	}

	if _, err := decodeTags([]byte{0x02}, 3); !errors.Is(err, ErrMalformed) {
		t.Fatalf("count mismatch err = %v, want ErrMalformed", err)
	}
}
