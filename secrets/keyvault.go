package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

type secretGetter interface {
	GetSecret(ctx context.Context, name string, version string, opts *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVault is a Source reading the latest version of Key Vault secrets.
type KeyVault struct {
	client secretGetter
}

var _ Source = (*KeyVault)(nil)

// VaultURL returns the endpoint of the named vault.
func VaultURL(vaultName string) string {
	return "https://" + vaultName + ".vault.azure.net/"
}

// NewKeyVault connects to the named vault. A managed identity client id
// selects that identity; otherwise the Azure CLI login is used.
func NewKeyVault(vaultName, managedIdentityClientID string) (*KeyVault, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)
	if managedIdentityClientID != "" {
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(managedIdentityClientID),
		})
	} else {
		cred, err = azidentity.NewAzureCLICredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("key vault credential: %w", err)
	}

	client, err := azsecrets.NewClient(VaultURL(vaultName), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("key vault client: %w", err)
	}

	return &KeyVault{client: client}, nil
}

// Get implements Source.
func (kv *KeyVault) Get(ctx context.Context, name string) (string, error) {
	resp, err := kv.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}

		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("%w: %s has no value", ErrNotFound, name)
	}

	return *resp.Value, nil
}
