package inbound

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var (
	pgpMessageMarker = []byte("-----BEGIN PGP MESSAGE-----")
	clearsignMarker  = []byte("-----BEGIN PGP SIGNED MESSAGE-----")
	pgpSigMarker     = []byte("-----BEGIN PGP SIGNATURE-----")
)

// parseMeta extracts the sender address and Message-Id from the raw
// message. Failures degrade to empty values; a message we cannot parse is
// still processed (and will fail correlation on the empty sender).
func parseMeta(raw []byte) (sender, messageID string) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	defer func() { _ = mr.Close() }()

	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		sender = strings.TrimSpace(addrs[0].Address)
	}
	messageID = strings.Trim(mr.Header.Get("Message-Id"), "<> ")
	return sender, messageID
}

// extractEncrypted returns the PGP ciphertext of an encrypted message: the
// application/octet-stream part of a multipart/encrypted message, or the
// whole body when it carries an inline armored message.
func extractEncrypted(raw []byte) ([]byte, bool) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err == nil {
		t, _, cerr := entity.Header.ContentType()
		if cerr == nil && t == "multipart/encrypted" {
			if mr := entity.MultipartReader(); mr != nil {
				for {
					part, err := mr.NextPart()
					if err != nil {
						break
					}
					pt, _, _ := part.Header.ContentType()
					if pt == "application/octet-stream" {
						data, err := io.ReadAll(part.Body)
						if err != nil {
							break
						}
						return data, true
					}
				}
			}
		}
	}

	if bytes.Contains(raw, pgpMessageMarker) {
		return raw, true
	}
	return nil, false
}

// extractSigned returns the signed content and detached signature of a
// signed-but-unencrypted message. For a clearsigned body sig is nil and
// the raw message is returned for in-place verification; for
// multipart/signed the protected part is sliced out of the raw bytes so
// its transfer encoding stays exactly as transmitted.
func extractSigned(raw []byte) (signed, sig []byte, ok bool) {
	if signedPart, sigPart, ok := splitMultipartSigned(raw); ok {
		return signedPart, sigPart, true
	}
	if bytes.Contains(raw, clearsignMarker) {
		return raw, nil, true
	}
	return nil, nil, false
}

// splitMultipartSigned slices the signed part and the armored signature out
// of a multipart/signed message without re-encoding either.
func splitMultipartSigned(raw []byte) (signed, sig []byte, ok bool) {
	header, body, err := splitHeader(raw)
	if err != nil {
		return nil, nil, false
	}

	t, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil || t != "multipart/signed" || params["boundary"] == "" {
		return nil, nil, false
	}

	delimiter := []byte("--" + params["boundary"])
	chunks := bytes.Split(body, delimiter)
	if len(chunks) < 3 {
		return nil, nil, false
	}

	// chunks[1] is the protected part; the CRLF preceding the delimiter
	// belongs to the delimiter, not the content.
	signed = bytes.TrimPrefix(chunks[1], []byte("\r\n"))
	signed = bytes.TrimSuffix(signed, []byte("\r\n"))

	idx := bytes.Index(chunks[2], pgpSigMarker)
	if idx < 0 {
		return nil, nil, false
	}
	return signed, chunks[2][idx:], true
}

// splitHeader separates a raw message into parsed header and body bytes.
func splitHeader(raw []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return header, body, nil
}
