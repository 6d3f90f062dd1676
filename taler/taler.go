// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package taler implements the protocol-level crypto primitives shared by
// the merchant backend and its tests: purpose-tagged EdDSA signatures,
// canonical contract-terms hashing and the wire encoding of binary fields.
package taler

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Signature purposes. The purpose tag is bound into every EdDSA signature so
// a signature made for one context can never be replayed in another.
const (
	// PurposeMerchantContract tags the merchant's signature over a contract-terms hash.
	PurposeMerchantContract uint32 = 1101
	// PurposeMerchantRefund tags a merchant refund permission.
	PurposeMerchantRefund uint32 = 1102
	// PurposeMerchantPaymentOK tags the merchant's payment confirmation.
	PurposeMerchantPaymentOK uint32 = 1104
	// PurposeWalletCoinDeposit tags a coin owner's deposit permission.
	PurposeWalletCoinDeposit uint32 = 1201
)

// EncodeBinary renders binary protocol fields (keys, hashes, signatures)
// for the JSON wire format.
func EncodeBinary(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBinary parses a wire-encoded binary field.
func DecodeBinary(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// purposeMessage prefixes the body with its size and purpose, mirroring the
// signed-struct layout used across the protocol.
func purposeMessage(purpose uint32, body []byte) []byte {
	msg := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(msg[0:4], uint32(8+len(body)))
	binary.BigEndian.PutUint32(msg[4:8], purpose)
	return append(msg, body...)
}

// SignPurpose signs body under the given purpose tag.
func SignPurpose(priv ed25519.PrivateKey, purpose uint32, body []byte) []byte {
	return ed25519.Sign(priv, purposeMessage(purpose, body))
}

// VerifyPurpose checks a purpose-tagged signature.
func VerifyPurpose(pub ed25519.PublicKey, purpose uint32, body, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, purposeMessage(purpose, body), sig)
}

// HashContractTerms hashes contract terms over their canonical JSON encoding:
// objects with sorted keys, minimal separators, no insignificant whitespace.
// The same terms always hash to the same value regardless of how the JSON
// was formatted in transit.
func HashContractTerms(terms json.RawMessage) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(terms, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode contract terms: %w", err)
	}
	// encoding/json marshals map keys in sorted order, which together with
	// the decode above yields the canonical form.
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize contract terms: %w", err)
	}
	sum := sha512.Sum512(canonical)
	return sum[:], nil
}

// RefundPermissionBody builds the signed body of a refund permission.
func RefundPermissionBody(hContract, coinPub []byte, rtransactionID uint64, refundAmount, refundFee string) []byte {
	body := make([]byte, 0, 128)
	body = append(body, hContract...)
	body = append(body, coinPub...)
	var rtid [8]byte
	binary.BigEndian.PutUint64(rtid[:], rtransactionID)
	body = append(body, rtid[:]...)
	body = append(body, []byte(refundAmount)...)
	body = append(body, 0)
	body = append(body, []byte(refundFee)...)
	return body
}

// DepositPermissionBody builds the signed body of a coin's deposit permission.
func DepositPermissionBody(hContract, hWire, coinPub, merchantPub []byte, contribution string) []byte {
	body := make([]byte, 0, 192)
	body = append(body, hContract...)
	body = append(body, hWire...)
	body = append(body, coinPub...)
	body = append(body, merchantPub...)
	body = append(body, []byte(contribution)...)
	return body
}

// PaymentOKBody builds the signed body of the merchant's success response.
func PaymentOKBody(hContract []byte) []byte {
	return hContract
}
