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

// Package merchanttest provides the fakes shared by the payment tests:
// a wallet-side coin mint and an in-process fake exchange.
package merchanttest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/stretchr/testify/require"

	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/exchange"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/taler"
)

// Coin is a wallet-side coin: an ed25519 key pair whose public key carries
// an unblinded denomination signature.
type Coin struct {
	Pub      ed25519.PublicKey
	Priv     ed25519.PrivateKey
	DenomPub string
	UBSig    []byte
}

// MintCoin withdraws a coin of the given denomination the way a wallet
// would: blind the coin public key, have the denomination key sign it,
// unblind the signature.
func MintCoin(t *testing.T, denomPriv *rsa.PrivateKey, denomPubEncoded string) Coin {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	client, err := blindrsa.NewClient(exchange.SigVariant, &denomPriv.PublicKey)
	require.NoError(t, err)

	blinded, state, err := client.Blind(rand.Reader, pub)
	require.NoError(t, err)

	blindSig, err := blindrsa.NewSigner(denomPriv).BlindSign(blinded)
	require.NoError(t, err)

	ubSig, err := client.Finalize(state, blindSig)
	require.NoError(t, err)

	return Coin{
		Pub:      pub,
		Priv:     priv,
		DenomPub: denomPubEncoded,
		UBSig:    ubSig,
	}
}

// SignDeposit produces the coin owner's deposit permission signature.
func (c Coin) SignDeposit(hContract, hWire []byte, merchantPub ed25519.PublicKey, contribution string) []byte {
	body := taler.DepositPermissionBody(hContract, hWire, c.Pub, merchantPub, contribution)
	return taler.SignPurpose(c.Priv, taler.PurposeWalletCoinDeposit, body)
}
