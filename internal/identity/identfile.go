package identity

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// IdentLine is one parsed line of urbackup/server_idents.txt or
// session_idents.txt (spec §6):
//
//	<token>#fingerprint=<hex>&pubkey=<b64>&pubkey_ecdsa409k1=<b64>
//
// the session variant additionally carries endpoint=<ip>&secret_key=<b64>.
type IdentLine struct {
	Token       string
	Fingerprint string
	PubKey      []byte
	PubKeyECDSA []byte
	Endpoint    string // session variant only
	SecretKey   []byte // session variant only
}

// ParseIdentLine parses one line of an identity file.
func ParseIdentLine(line string) (IdentLine, error) {
	hash := strings.IndexByte(line, '#')
	if hash < 0 {
		return IdentLine{}, fmt.Errorf("malformed identity line: missing '#'")
	}
	il := IdentLine{Token: line[:hash]}
	values, err := url.ParseQuery(line[hash+1:])
	if err != nil {
		return IdentLine{}, fmt.Errorf("malformed identity line query: %w", err)
	}
	il.Fingerprint = values.Get("fingerprint")
	if pk := values.Get("pubkey"); pk != "" {
		il.PubKey, _ = base64.StdEncoding.DecodeString(pk)
	}
	if pk := values.Get("pubkey_ecdsa409k1"); pk != "" {
		il.PubKeyECDSA, _ = base64.StdEncoding.DecodeString(pk)
	}
	il.Endpoint = values.Get("endpoint")
	if sk := values.Get("secret_key"); sk != "" {
		il.SecretKey, _ = base64.StdEncoding.DecodeString(sk)
	}
	return il, nil
}

// String renders an IdentLine back to the on-disk grammar.
func (il IdentLine) String() string {
	v := url.Values{}
	v.Set("fingerprint", il.Fingerprint)
	v.Set("pubkey", base64.StdEncoding.EncodeToString(il.PubKey))
	v.Set("pubkey_ecdsa409k1", base64.StdEncoding.EncodeToString(il.PubKeyECDSA))
	if il.Endpoint != "" {
		v.Set("endpoint", il.Endpoint)
	}
	if il.SecretKey != nil {
		v.Set("secret_key", base64.StdEncoding.EncodeToString(il.SecretKey))
	}
	return il.Token + "#" + v.Encode()
}

// ReadIdentFile parses every line of an identity file (server_idents.txt or
// session_idents.txt).
func ReadIdentFile(r io.Reader) ([]IdentLine, error) {
	var out []IdentLine
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		il, err := ParseIdentLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, il)
	}
	return out, scanner.Err()
}

// WriteIdentFile writes lines back out in the on-disk grammar, one per
// line.
func WriteIdentFile(w io.Writer, lines []IdentLine) error {
	buf := bufio.NewWriter(w)
	for _, il := range lines {
		if _, err := fmt.Fprintln(buf, il.String()); err != nil {
			return err
		}
	}
	return buf.Flush()
}
