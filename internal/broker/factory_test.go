package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactoryConfig(env string, live bool) FactoryConfig {
	return FactoryConfig{
		Environment:       env,
		LiveTrading:       live,
		AlpacaBaseURL:     "https://paper-api.alpaca.markets",
		AlpacaDataURL:     "https://data.alpaca.markets",
		SchwabBaseURL:     "https://api.schwabapi.com/trader/v1",
		PaperStartingCash: 50_000,
	}
}

func TestFactoryPaperAlwaysAvailable(t *testing.T) {
	f := NewFactory(testFactoryConfig("production", false), nil, discardLogger())

	c, err := f.Create("paper")
	require.NoError(t, err)
	assert.Equal(t, "paper", c.Name())
}

func TestFactoryDowngradesToPaperInDevelopment(t *testing.T) {
	creds := map[string]Credentials{
		"alpaca": {APIKey: "key", APISecret: "secret"},
	}
	f := NewFactory(testFactoryConfig("development", false), creds, discardLogger())

	c, err := f.Create("alpaca")
	require.NoError(t, err)
	assert.Equal(t, "paper", c.Name())
}

func TestFactoryRefusesLiveWithoutFlag(t *testing.T) {
	creds := map[string]Credentials{
		"alpaca": {APIKey: "key", APISecret: "secret"},
	}
	f := NewFactory(testFactoryConfig("production", false), creds, discardLogger())

	_, err := f.Create("alpaca")
	assert.Error(t, err)
}

func TestFactoryBuildsLiveBrokers(t *testing.T) {
	creds := map[string]Credentials{
		"alpaca": {APIKey: "key", APISecret: "secret"},
		"schwab": {AccountHash: "hash", AccessToken: "token"},
	}
	f := NewFactory(testFactoryConfig("production", true), creds, discardLogger())

	alpaca, err := f.Create("alpaca")
	require.NoError(t, err)
	assert.Equal(t, "alpaca", alpaca.Name())

	schwab, err := f.Create("schwab")
	require.NoError(t, err)
	assert.Equal(t, "schwab", schwab.Name())
}

func TestFactoryRejectsIncompleteCredentials(t *testing.T) {
	creds := map[string]Credentials{
		"alpaca": {APIKey: "key"},
	}
	f := NewFactory(testFactoryConfig("production", true), creds, discardLogger())

	_, err := f.Create("alpaca")
	assert.Error(t, err)
}

func TestFactoryRejectsUnknownBroker(t *testing.T) {
	f := NewFactory(testFactoryConfig("production", true), map[string]Credentials{
		"robinhood": {APIKey: "k", APISecret: "s"},
	}, discardLogger())

	_, err := f.Create("robinhood")
	assert.Error(t, err)
}

func TestFactoryCreateAllPreservesOrder(t *testing.T) {
	creds := map[string]Credentials{
		"alpaca": {APIKey: "key", APISecret: "secret"},
		"schwab": {AccountHash: "hash", AccessToken: "token"},
	}
	f := NewFactory(testFactoryConfig("staging", true), creds, discardLogger())

	clients, err := f.CreateAll([]string{"alpaca", "schwab", "paper"})
	require.NoError(t, err)
	require.Len(t, clients, 3)
	assert.Equal(t, "alpaca", clients[0].Name())
	assert.Equal(t, "schwab", clients[1].Name())
	assert.Equal(t, "paper", clients[2].Name())
}
