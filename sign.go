package hearth

import (
	"encoding/json"

	"github.com/hearth-im/hearth/spec"
	"golang.org/x/crypto/ed25519"
)

// SignJSON signs a JSON object with an ed25519 key and returns a copy of
// the object with the signature added under signatures.<name>.<keyID>.
//
// The signed payload is the canonical form of the object with the
// "signatures" and "unsigned" keys removed.
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	var object map[string]spec.RawJSON
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, spec.NewError(spec.KindValidation, "cannot sign non-object JSON: %s", err)
	}

	rawUnsigned := object["unsigned"]
	signatures := make(map[spec.ServerName]map[KeyID]spec.Base64Bytes)
	if rawSignatures, ok := object["signatures"]; ok {
		if err := json.Unmarshal(rawSignatures, &signatures); err != nil {
			return nil, spec.NewError(spec.KindValidation, "malformed signatures block: %s", err)
		}
	}
	delete(object, "signatures")
	delete(object, "unsigned")

	unsorted, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(unsorted)
	if err != nil {
		return nil, err
	}

	signature := spec.Base64Bytes(ed25519.Sign(privateKey, canonical))

	name := spec.ServerName(signingName)
	if signatures[name] == nil {
		signatures[name] = map[KeyID]spec.Base64Bytes{}
	}
	signatures[name][keyID] = signature

	rawSignatures, err := json.Marshal(signatures)
	if err != nil {
		return nil, err
	}
	object["signatures"] = spec.RawJSON(rawSignatures)
	if len(rawUnsigned) > 0 {
		object["unsigned"] = rawUnsigned
	}
	return json.Marshal(object)
}

// ListKeyIDs lists the key IDs a given entity has signed a message with.
func ListKeyIDs(signingName string, message []byte) ([]KeyID, error) {
	var object struct {
		Signatures map[string]map[KeyID]spec.RawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}
	keyIDs := make([]KeyID, 0, len(object.Signatures[signingName]))
	for keyID := range object.Signatures[signingName] {
		keyIDs = append(keyIDs, keyID)
	}
	return keyIDs, nil
}

// VerifyJSON checks that the entity has signed the message with the given
// key. The verified payload is the canonical form of the message with
// "signatures" and "unsigned" removed, mirroring SignJSON.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, message []byte) error {
	var object map[string]spec.RawJSON
	if err := json.Unmarshal(message, &object); err != nil {
		return spec.NewError(spec.KindValidation, "cannot verify non-object JSON: %s", err)
	}

	var signatures map[spec.ServerName]map[KeyID]spec.Base64Bytes
	if rawSignatures, ok := object["signatures"]; ok {
		if err := json.Unmarshal(rawSignatures, &signatures); err != nil {
			return spec.NewError(spec.KindSignatureInvalid, "malformed signatures block: %s", err)
		}
	}
	signature, ok := signatures[spec.ServerName(signingName)][keyID]
	if !ok {
		return spec.NewError(spec.KindSignatureInvalid,
			"no signature from %q with key %q", signingName, keyID)
	}
	if len(signature) != ed25519.SignatureSize {
		return spec.NewError(spec.KindSignatureInvalid,
			"signature from %q with key %q has bad length %d", signingName, keyID, len(signature))
	}

	delete(object, "signatures")
	delete(object, "unsigned")
	unsorted, err := json.Marshal(object)
	if err != nil {
		return err
	}
	canonical, err := CanonicalJSON(unsorted)
	if err != nil {
		return err
	}

	if !ed25519.Verify(publicKey, canonical, []byte(signature)) {
		return spec.NewError(spec.KindSignatureInvalid,
			"signature from %q with key %q does not verify", signingName, keyID)
	}
	return nil
}
