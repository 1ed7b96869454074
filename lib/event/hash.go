// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/roomserver/lib/canonicaljson"
	"github.com/bureau-foundation/roomserver/lib/ref"
)

// hashableMap returns the event as a decoded JSON object with the
// mutable envelope (event_id, signatures, unsigned) removed. This is
// the base form over which all hashes and signatures are computed.
// When includeHashes is false the content hash itself is also removed,
// which is the form the content hash covers.
func (e *Event) hashableMap(includeHashes bool) (map[string]any, error) {
	wire, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal for hashing: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(wire))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, fmt.Errorf("event: reparse for hashing: %w", err)
	}
	delete(object, "event_id")
	delete(object, "signatures")
	delete(object, "unsigned")
	if !includeHashes {
		delete(object, "hashes")
	}
	return object, nil
}

// ContentHash computes the SHA-256 content hash: the digest of the
// event's canonical JSON with event_id, signatures, unsigned, and the
// hashes container itself stripped.
func (e *Event) ContentHash() ([sha256.Size]byte, error) {
	object, err := e.hashableMap(false)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	canonical, err := canonicaljson.EncodeValue(object)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("event: canonical form: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// ComputeReference computes the event's reference hash and returns the
// derived event ID: "$" plus the unpadded url-safe base64 of the
// SHA-256 of the canonical JSON form (envelope stripped, content hash
// included). The Hashes field must already be populated — the
// reference hash covers it.
func (e *Event) ComputeReference() (ref.EventID, error) {
	object, err := e.hashableMap(true)
	if err != nil {
		return ref.EventID{}, err
	}
	canonical, err := canonicaljson.EncodeValue(object)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("event: canonical form: %w", err)
	}
	digest := sha256.Sum256(canonical)
	id := "$" + base64.RawURLEncoding.EncodeToString(digest[:])
	return ref.ParseEventID(id)
}

// Seal finalizes a locally created event: computes and stores the
// content hash, then derives and stores the event ID. Must be the last
// step of construction — any field change after Seal invalidates both.
func (e *Event) Seal() error {
	digest, err := e.ContentHash()
	if err != nil {
		return err
	}
	e.Hashes.SHA256 = rawStdBase64(digest[:])
	id, err := e.ComputeReference()
	if err != nil {
		return err
	}
	e.EventID = id
	return nil
}

// rawStdBase64 is the hash encoding used on the wire: standard
// alphabet, no padding.
func rawStdBase64(digest []byte) string {
	return base64.RawStdEncoding.EncodeToString(digest)
}

// signable returns the canonical bytes an origin server signs: the
// same form the reference hash covers.
func (e *Event) signable() ([]byte, error) {
	object, err := e.hashableMap(true)
	if err != nil {
		return nil, err
	}
	return canonicaljson.EncodeValue(object)
}

// Sign appends an ed25519 signature for the given server and key ID.
// The content hash must already be populated (Seal first).
func (e *Event) Sign(server ref.ServerName, keyID string, key ed25519.PrivateKey) error {
	message, err := e.signable()
	if err != nil {
		return err
	}
	signature := ed25519.Sign(key, message)
	if e.Signatures == nil {
		e.Signatures = make(map[string]map[string]string)
	}
	byKey := e.Signatures[server.String()]
	if byKey == nil {
		byKey = make(map[string]string)
		e.Signatures[server.String()] = byKey
	}
	byKey[keyID] = base64.RawStdEncoding.EncodeToString(signature)
	return nil
}

// KeyProvider resolves a server's signing key. Implementations may hit
// the network; the engine caches nothing here.
type KeyProvider interface {
	// VerifyKey returns the ed25519 public key a server published
	// under the given key ID, or false if the key is unknown.
	VerifyKey(server ref.ServerName, keyID string) (ed25519.PublicKey, bool)
}

// VerifySignature checks that the event carries a valid ed25519
// signature from origin under at least one key the provider knows.
// Returns an IntegrityError when a signature is present but invalid,
// and a plain error when origin signed with no key the provider can
// resolve.
func (e *Event) VerifySignature(origin ref.ServerName, keys KeyProvider) error {
	byKey := e.Signatures[origin.String()]
	if len(byKey) == 0 {
		return &IntegrityError{
			EventID: e.EventID,
			Detail:  fmt.Sprintf("no signature from origin %s", origin),
		}
	}
	message, err := e.signable()
	if err != nil {
		return err
	}
	resolved := false
	for keyID, encoded := range byKey {
		publicKey, ok := keys.VerifyKey(origin, keyID)
		if !ok {
			continue
		}
		resolved = true
		signature, err := base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return &IntegrityError{
				EventID: e.EventID,
				Detail:  fmt.Sprintf("signature %s/%s is not valid base64", origin, keyID),
			}
		}
		if ed25519.Verify(publicKey, message, signature) {
			return nil
		}
	}
	if !resolved {
		return fmt.Errorf("event: no resolvable signing key for %s", origin)
	}
	return &IntegrityError{
		EventID: e.EventID,
		Detail:  fmt.Sprintf("signature verification failed for origin %s", origin),
	}
}

// AcceptAllKeys is a KeyProvider that resolves no keys, paired with
// deployments that disable signature checking (config
// federation.verify_signatures: false). The ingestion pipeline skips
// VerifySignature entirely in that mode; this type exists so wiring
// code always has a non-nil provider to pass.
type AcceptAllKeys struct{}

// VerifyKey always reports the key as unknown.
func (AcceptAllKeys) VerifyKey(ref.ServerName, string) (ed25519.PublicKey, bool) {
	return nil, false
}
