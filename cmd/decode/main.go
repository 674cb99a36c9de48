package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/punchamoorthee/paynsnap/internal/domain"
	"github.com/punchamoorthee/paynsnap/internal/payload"
	"github.com/punchamoorthee/paynsnap/internal/qr"
)

var (
	imagePath string
	raw       string
	encodeTo  string
	amount    string
	memo      string
)

func init() {
	flag.StringVar(&imagePath, "image", "", "decode the QR code in this png/jpeg/gif file")
	flag.StringVar(&raw, "payload", "", "parse an already decoded QR string")
	flag.StringVar(&encodeTo, "encode-to", "", "print a signing URI paying this account instead of decoding")
	flag.StringVar(&amount, "amount", "", "amount for -encode-to, e.g. 0.100 HBD")
	flag.StringVar(&memo, "memo", "", "memo for -encode-to")
}

func main() {
	flag.Parse()

	switch {
	case encodeTo != "":
		canonical, err := payload.CanonicalAmount(amount)
		if err != nil {
			fail(err)
		}
		uri, err := payload.EncodeURI(encodeTo, canonical, memo)
		if err != nil {
			fail(err)
		}
		fmt.Println(uri)
	case imagePath != "":
		text, err := decodeFile(imagePath)
		if err != nil {
			fail(err)
		}
		report(text)
	case raw != "":
		report(raw)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func decodeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	text, ok := qr.NewZXing().Decode(img)
	if !ok {
		return "", fmt.Errorf("%w: no QR code found in %s", domain.ErrMalformedPayload, path)
	}
	return text, nil
}

func report(text string) {
	intent, err := payload.Parse(text)
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(intent)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", domain.Kind(err), err)
	os.Exit(1)
}
