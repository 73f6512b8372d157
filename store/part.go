package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/emersion/go-message"
)

// MaxPartDepth is the maximum nesting of multipart messages that is parsed.
const MaxPartDepth = 32

// Part is the structure of a message. Leaf parts that are attachments are
// referenced by the hash of their decoded contents, other leaf parts have
// their decoded body inline.
type Part struct {
	ContentType    string            // Lower case, e.g. "text/plain" or "multipart/mixed".
	Params         map[string]string `json:",omitempty"`
	Disposition    string            `json:",omitempty"` // Lower case, e.g. "attachment" or "inline".
	Filename       string            `json:",omitempty"`
	Size           int64             // Of decoded body, for leaf parts.
	AttachmentHash string            `json:",omitempty"` // Hex SHA-256 of decoded body.
	Body           []byte            `json:",omitempty"`
	Parts          []Part            `json:",omitempty"`
}

// AttachmentData is the decoded data of an attachment found while parsing.
type AttachmentData struct {
	Hash        string
	ContentType string
	Data        []byte
}

// IsAttachment returns whether a leaf part is stored as attachment.
func (p Part) IsAttachment() bool {
	if len(p.Parts) > 0 || strings.HasPrefix(p.ContentType, "multipart/") {
		return false
	}
	if p.Disposition == "attachment" || p.Filename != "" {
		return true
	}
	return !strings.HasPrefix(p.ContentType, "text/")
}

// AttachmentHashes returns the unique attachment hashes referenced by the
// part and its subparts, sorted. A message referencing the same attachment
// multiple times returns it once.
func (p Part) AttachmentHashes() []string {
	var l []string
	var walk func(p Part)
	walk = func(p Part) {
		if p.AttachmentHash != "" {
			l = append(l, p.AttachmentHash)
		}
		for _, sp := range p.Parts {
			walk(sp)
		}
	}
	walk(p)
	slices.Sort(l)
	return slices.Compact(l)
}

// ParsePartBuf parses the JSON form of a part as stored in a message.
func ParsePartBuf(buf []byte) (Part, error) {
	var p Part
	if len(buf) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(buf, &p); err != nil {
		return Part{}, fmt.Errorf("parsing stored part: %w", err)
	}
	return p, nil
}

// ParseMessage parses a full message into its part structure. Attachment data
// is returned separately, once per unique hash.
func ParseMessage(r io.Reader) (Part, []AttachmentData, error) {
	e, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return Part{}, nil, fmt.Errorf("reading message: %w", err)
	}
	seen := map[string]bool{}
	var atts []AttachmentData
	p, err := parseEntity(e, 0, seen, &atts)
	if err != nil {
		return Part{}, nil, err
	}
	return p, atts, nil
}

func parseEntity(e *message.Entity, depth int, seen map[string]bool, atts *[]AttachmentData) (Part, error) {
	if depth > MaxPartDepth {
		return Part{}, errors.New("message nested too deeply")
	}

	var p Part
	ct, params, err := e.Header.ContentType()
	if err != nil || ct == "" {
		ct = "text/plain"
		params = nil
	}
	p.ContentType = strings.ToLower(ct)
	p.Params = params
	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		p.Disposition = strings.ToLower(disp)
		p.Filename = dparams["filename"]
	}
	if p.Filename == "" {
		p.Filename = params["name"]
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			sub, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return Part{}, fmt.Errorf("reading multipart: %w", err)
			}
			sp, err := parseEntity(sub, depth+1, seen, atts)
			if err != nil {
				return Part{}, err
			}
			p.Parts = append(p.Parts, sp)
		}
		return p, nil
	}

	buf, err := io.ReadAll(e.Body)
	if err != nil {
		return Part{}, fmt.Errorf("reading part body: %w", err)
	}
	p.Size = int64(len(buf))
	if !p.IsAttachment() {
		p.Body = buf
		return p, nil
	}
	sum := sha256.Sum256(buf)
	p.AttachmentHash = hex.EncodeToString(sum[:])
	if !seen[p.AttachmentHash] {
		seen[p.AttachmentHash] = true
		*atts = append(*atts, AttachmentData{p.AttachmentHash, p.ContentType, buf})
	}
	return p, nil
}

// MarshalPart returns the stored form of a part.
func MarshalPart(p Part) ([]byte, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal part: %w", err)
	}
	return buf, nil
}
