// signing.go implements EIP-712 order signing for the Polymarket CTF
// Exchange contract, adapted from the teacher's exec/client.go
// buildSignedOrder/signOrderEIP712/buildDomainSeparator/
// buildOrderStructHash/padUint256 functions.
package exchange

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Contract addresses and chain id for Polymarket's CTF Exchange on Polygon.
const (
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	PolygonChainID      = 137

	// Signature types accepted by the exchange.
	SigTypeEOA       = 0
	SigTypePolyProxy = 1
	SigTypeBrowser   = 2
)

// SignedOrder is the wire shape POSTed to /order.
type SignedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	OrderType     string `json:"orderType"`
	ClientOrderID string `json:"clientOrderId"`
}

// usdcScale is the 6-decimal scaling USDC and Polymarket share amounts use.
var usdcScale = decimal.NewFromInt(1_000_000)

// buildSignedOrder constructs and signs an order. funder is the address
// holding funds (may equal signer for a plain EOA wallet); privateKey and
// signerAddr belong to the wallet that signs. clientOrderID is the
// caller's idempotency key (the intent id per spec §9) and is carried on
// the wire order but, like orderType, is not part of the EIP-712 struct
// hash the exchange verifies.
func buildSignedOrder(privateKey *ecdsa.PrivateKey, signerAddr, funder, tokenID string, price, size decimal.Decimal, side string, gtd bool, clientOrderID string) (*SignedOrder, error) {
	maker := funder
	if maker == "" {
		maker = signerAddr
	}

	var makerAmount, takerAmount decimal.Decimal
	var sideStr string
	if strings.ToUpper(side) == "BUY" {
		makerAmount = size.Mul(price).Mul(usdcScale).Floor()
		takerAmount = size.Mul(usdcScale).Floor()
		sideStr = "BUY"
	} else {
		makerAmount = size.Mul(usdcScale).Floor()
		takerAmount = size.Mul(price).Mul(usdcScale).Floor()
		sideStr = "SELL"
	}

	expiration := "0"
	if gtd {
		expiration = fmt.Sprintf("%d", time.Now().Add(24*time.Hour).Unix())
	}

	order := &SignedOrder{
		Salt:          generateSalt(),
		Maker:         maker,
		Signer:        signerAddr,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    expiration,
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideStr,
		SignatureType: SigTypeEOA,
		ClientOrderID: clientOrderID,
	}

	sig, err := signOrderEIP712(privateKey, order)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	order.Signature = sig
	return order, nil
}

func signOrderEIP712(privateKey *ecdsa.PrivateKey, order *SignedOrder) (string, error) {
	if privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	domainSeparator := buildDomainSeparator(CTFExchangeAddress, PolygonChainID)
	orderHash := buildOrderStructHash(order)

	data := append([]byte("\x19\x01"), domainSeparator[:]...)
	data = append(data, orderHash[:]...)
	finalHash := crypto.Keccak256(data)

	sig, err := crypto.Sign(finalHash, privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func buildDomainSeparator(contractAddr string, chainID int) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Polymarket CTF Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))

	chainIDBytes := common.LeftPadBytes(big.NewInt(int64(chainID)).Bytes(), 32)
	contractPadded := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	var data []byte
	data = append(data, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainIDBytes...)
	data = append(data, contractPadded...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func buildOrderStructHash(order *SignedOrder) [32]byte {
	orderTypeHash := crypto.Keccak256([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))

	sideVal := byte(0)
	if order.Side == "SELL" {
		sideVal = 1
	}

	var data []byte
	data = append(data, orderTypeHash...)
	data = append(data, padUint256(order.Salt)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Maker).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Signer).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(order.Taker).Bytes(), 32)...)
	data = append(data, padUint256(order.TokenID)...)
	data = append(data, padUint256(order.MakerAmount)...)
	data = append(data, padUint256(order.TakerAmount)...)
	data = append(data, padUint256(order.Expiration)...)
	data = append(data, padUint256(order.Nonce)...)
	data = append(data, padUint256(order.FeeRateBps)...)
	data = append(data, common.LeftPadBytes([]byte{sideVal}, 32)...)
	data = append(data, common.LeftPadBytes([]byte{byte(order.SignatureType)}, 32)...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func generateSalt() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return new(big.Int).SetBytes(b).String()
}
