package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvWSURL                  = "POLYGON_WS_URL"
	EnvRPCURL                 = "POLYGON_RPC_URL"
	EnvFlashLoanContract      = "FLASH_LOAN_CONTRACT"
	EnvFastLaneContract       = "FASTLANE_CONTRACT"
	EnvFastLaneSenderContract = "FASTLANE_SENDER_CONTRACT"
	EnvExecutorContract       = "ARBITRAGE_EXECUTOR_CONTRACT"
	EnvWalletPrivateKey       = "WALLET_PRIVATE_KEY"
	EnvRelayURL               = "RELAY_URL"
	EnvRelayAuthKey           = "RELAY_AUTH_KEY"
)

// LoadEnv loads environment variables from .env file
func LoadEnv() error {
	return godotenv.Load()
}

// ApplyEnv overrides endpoints, contracts and secrets from the environment.
func (c *Config) ApplyEnv() {
	c.WSEndpoint = GetEnvWithDefault(EnvWSURL, c.WSEndpoint)
	c.RPCEndpoint = GetEnvWithDefault(EnvRPCURL, c.RPCEndpoint)
	c.FlashLoanContract = GetEnvWithDefault(EnvFlashLoanContract, c.FlashLoanContract)
	c.FastLaneContract = GetEnvWithDefault(EnvFastLaneContract, c.FastLaneContract)
	c.FastLaneSenderContract = GetEnvWithDefault(EnvFastLaneSenderContract, c.FastLaneSenderContract)
	c.ExecutorContract = GetEnvWithDefault(EnvExecutorContract, c.ExecutorContract)
	c.WalletPrivateKey = GetEnvWithDefault(EnvWalletPrivateKey, c.WalletPrivateKey)
	c.RelayURL = GetEnvWithDefault(EnvRelayURL, c.RelayURL)
	c.RelayAuthKey = GetEnvWithDefault(EnvRelayAuthKey, c.RelayAuthKey)
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}
