package hipaa

// PrivateNoteKeyID is recorded on payloads sealed with a user-personal key.
// It is not a key_metadata id and cannot be resolved; the owner id selects
// the key instead.
const PrivateNoteKeyID = "user-personal"

// EncryptedPayload is the at-rest form of protected content.
type EncryptedPayload struct {
	// Ciphertext is the GCM output with the 16-byte tag at the end.
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	KeyID      string `json:"key_id"`
}

// VerifyIntegrity performs a structural check without decrypting: all
// fields present, a 16-byte IV and a ciphertext at least as long as the tag.
func VerifyIntegrity(p *EncryptedPayload) bool {
	return p != nil &&
		p.KeyID != "" &&
		len(p.IV) == IVSize &&
		len(p.Ciphertext) >= TagSize
}
