package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// knownNetworks lists the networks a keyring can be bound to, in probe order.
var knownNetworks = []*chaincfg.Params{
	&chaincfg.MainNetParams,
	&chaincfg.TestNet3Params,
	&chaincfg.RegressionNetParams,
	&chaincfg.SimNetParams,
	&chaincfg.SigNetParams,
}

// ParamsForName resolves a persisted network name back to its chain
// parameters.
func ParamsForName(name string) (*chaincfg.Params, error) {
	for _, params := range knownNetworks {
		if params.Name == name {
			return params, nil
		}
	}

	return nil, fmt.Errorf("unknown network: %v", name)
}
