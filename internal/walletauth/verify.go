package walletauth

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Verifier checks that signature over message was produced by address.
type Verifier interface {
	Verify(address, message, signature string) error
}

// EthVerifier verifies EIP-191 personal_sign signatures.
type EthVerifier struct{}

// Verify recovers the signer of message and compares it to address,
// ignoring case. Every failure wraps ErrInvalidSignature.
func (EthVerifier) Verify(address, message, signature string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: malformed address", ErrInvalidSignature)
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: recover: %v", ErrInvalidSignature, err)
	}
	recovered := ethcrypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), address) {
		return fmt.Errorf("%w: signer does not match address", ErrInvalidSignature)
	}
	return nil
}

// decodeSignature accepts 65 bytes of hex, 0x optional, with v in {0,1,27,28}.
func decodeSignature(signature string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, ethcrypto.SignatureLength)
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	if sig[ethcrypto.RecoveryIDOffset] > 1 {
		return nil, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}
	return sig, nil
}
