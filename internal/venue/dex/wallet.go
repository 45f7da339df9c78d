package dex

import (
	"os"

	solana "github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"

	"quoter/internal/errors"
	"quoter/pkg/exception"
)

const DefaultWalletEnv = "QUOTER_DEX_PRIVATE_KEY_BASE58"

// LoadWallet reads the maker key from env, loading .env first when present.
func LoadWallet(env string) (solana.PrivateKey, error) {
	if env == "" {
		env = DefaultWalletEnv
	}
	_ = godotenv.Load()
	b58 := os.Getenv(env)
	if b58 == "" {
		return nil, errors.Fatal(errors.Wrap(exception.ErrVenueMissingCredentials, env+" not set"))
	}
	key, err := solana.PrivateKeyFromBase58(b58)
	if err != nil {
		return nil, errors.Fatal(errors.Wrap(err, "parse "+env))
	}
	return key, nil
}
