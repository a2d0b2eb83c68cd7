package vault

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// --- Azure ---

type fakeAzureSecret struct {
	values  map[string]string
	enabled map[string]bool
	order   []string
}

type fakeAzureClient struct {
	secrets map[string]*fakeAzureSecret
	err     error
}

func newFakeAzureClient() *fakeAzureClient {
	return &fakeAzureClient{secrets: map[string]*fakeAzureSecret{}}
}

func azureNotFound() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "SecretNotFound"}
}

func (f *fakeAzureClient) SetSecret(_ context.Context, name string, p azsecrets.SetSecretParameters, _ *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	if f.err != nil {
		return azsecrets.SetSecretResponse{}, f.err
	}
	s, ok := f.secrets[name]
	if !ok {
		s = &fakeAzureSecret{values: map[string]string{}, enabled: map[string]bool{}}
		f.secrets[name] = s
	}
	version := fmt.Sprintf("v%02d", len(s.order)+1)
	s.values[version] = *p.Value
	s.enabled[version] = true
	s.order = append(s.order, version)
	id := azsecrets.ID("https://test.vault.azure.net/secrets/" + name + "/" + version)
	return azsecrets.SetSecretResponse{Secret: azsecrets.Secret{ID: &id, Value: p.Value}}, nil
}

func (f *fakeAzureClient) GetSecret(_ context.Context, name, version string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	s, ok := f.secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, azureNotFound()
	}
	if version == "" {
		version = s.order[len(s.order)-1]
	}
	value, ok := s.values[version]
	if !ok || !s.enabled[version] {
		return azsecrets.GetSecretResponse{}, azureNotFound()
	}
	return azsecrets.GetSecretResponse{Secret: azsecrets.Secret{Value: &value}}, nil
}

func (f *fakeAzureClient) DeleteSecret(_ context.Context, name string, _ *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	if _, ok := f.secrets[name]; !ok {
		return azsecrets.DeleteSecretResponse{}, azureNotFound()
	}
	delete(f.secrets, name)
	return azsecrets.DeleteSecretResponse{}, nil
}

func (f *fakeAzureClient) UpdateSecretProperties(_ context.Context, name, version string, p azsecrets.UpdateSecretPropertiesParameters, _ *azsecrets.UpdateSecretPropertiesOptions) (azsecrets.UpdateSecretPropertiesResponse, error) {
	s, ok := f.secrets[name]
	if !ok {
		return azsecrets.UpdateSecretPropertiesResponse{}, azureNotFound()
	}
	if _, ok := s.values[version]; !ok {
		return azsecrets.UpdateSecretPropertiesResponse{}, azureNotFound()
	}
	if p.SecretAttributes != nil && p.SecretAttributes.Enabled != nil {
		s.enabled[version] = *p.SecretAttributes.Enabled
	}
	return azsecrets.UpdateSecretPropertiesResponse{}, nil
}

func TestAzureVault(t *testing.T) {
	t.Parallel()

	client := newFakeAzureClient()
	v, err := NewAzureVault(AzureConfig{}, WithAzureClient(client))
	require.NoError(t, err)
	backendConformance(t, v)

	version, err := v.Put(context.Background(), "credentials/svc/token/1", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "v01", version)
	assert.Contains(t, client.secrets, "credentials--svc--token--1")

	client.err = errBoom
	_, err = v.Put(context.Background(), "credentials/svc/token/1", []byte("y"))
	assert.ErrorIs(t, err, errBoom)
}

// --- AWS ---

type fakeSecretsManager struct {
	secrets map[string]map[string]string
	latest  map[string]string
	n       int
	stages  []string
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: map[string]map[string]string{}, latest: map[string]string{}}
}

func (f *fakeSecretsManager) notFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
}

func (f *fakeSecretsManager) nextVersion() string {
	f.n++
	return "ver-" + strconv.Itoa(f.n)
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	name := aws.ToString(in.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, &types.ResourceExistsException{Message: aws.String("exists")}
	}
	version := f.nextVersion()
	f.secrets[name] = map[string]string{version: aws.ToString(in.SecretString)}
	f.latest[name] = version
	return &secretsmanager.CreateSecretOutput{Name: in.Name, VersionId: aws.String(version)}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	name := aws.ToString(in.SecretId)
	s, ok := f.secrets[name]
	if !ok {
		return nil, f.notFound()
	}
	version := f.nextVersion()
	s[version] = aws.ToString(in.SecretString)
	f.latest[name] = version
	return &secretsmanager.PutSecretValueOutput{VersionId: aws.String(version)}, nil
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	name := aws.ToString(in.SecretId)
	s, ok := f.secrets[name]
	if !ok {
		return nil, f.notFound()
	}
	version := aws.ToString(in.VersionId)
	if version == "" {
		version = f.latest[name]
	}
	value, ok := s[version]
	if !ok {
		return nil, f.notFound()
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value), VersionId: aws.String(version)}, nil
}

func (f *fakeSecretsManager) DeleteSecret(_ context.Context, in *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	name := aws.ToString(in.SecretId)
	if _, ok := f.secrets[name]; !ok {
		return nil, f.notFound()
	}
	delete(f.secrets, name)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func (f *fakeSecretsManager) UpdateSecretVersionStage(_ context.Context, in *secretsmanager.UpdateSecretVersionStageInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error) {
	name := aws.ToString(in.SecretId)
	s, ok := f.secrets[name]
	if !ok {
		return nil, f.notFound()
	}
	version := aws.ToString(in.RemoveFromVersionId)
	if _, ok := s[version]; !ok {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "label not attached"}
	}
	f.stages = append(f.stages, version)
	// Deprecated versions are reclaimed by the service; drop it here.
	delete(s, version)
	return &secretsmanager.UpdateSecretVersionStageOutput{}, nil
}

func TestAWSVault(t *testing.T) {
	t.Parallel()

	client := newFakeSecretsManager()
	v, err := NewAWSVault(context.Background(), AWSConfig{}, WithSecretsManagerClient(client))
	require.NoError(t, err)
	backendConformance(t, v)
	assert.Len(t, client.stages, 1)

	// Detaching a label that is not attached is not an error.
	_, err = v.Put(context.Background(), "credentials/b", []byte("x"))
	require.NoError(t, err)
	assert.NoError(t, v.Delete(context.Background(), "credentials/b", "ver-unknown"))
}

// --- SSM ---

type fakeSSM struct {
	params map[string][]string
}

func (f *fakeSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if in.Type != ssmtypes.ParameterTypeSecureString {
		return nil, fmt.Errorf("expected SecureString, got %s", in.Type)
	}
	name := aws.ToString(in.Name)
	f.params[name] = append(f.params[name], aws.ToString(in.Value))
	return &ssm.PutParameterOutput{Version: int64(len(f.params[name]))}, nil
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	name, selector, _ := strings.Cut(aws.ToString(in.Name), ":")
	versions, ok := f.params[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String(name)}
	}
	n := len(versions)
	if selector != "" {
		var err error
		if n, err = strconv.Atoi(selector); err != nil || n < 1 || n > len(versions) {
			return nil, &ssmtypes.ParameterVersionNotFound{Message: aws.String(selector)}
		}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{
		Name:    aws.String(name),
		Value:   aws.String(versions[n-1]),
		Version: int64(n),
	}}, nil
}

func (f *fakeSSM) DeleteParameter(_ context.Context, in *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	name := aws.ToString(in.Name)
	if _, ok := f.params[name]; !ok {
		return nil, &smithy.GenericAPIError{Code: "ParameterNotFound"}
	}
	delete(f.params, name)
	return &ssm.DeleteParameterOutput{}, nil
}

func TestSSMVault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := &fakeSSM{params: map[string][]string{}}
	v, err := NewSSMVault(ctx, SSMConfig{ParameterPrefix: "ops/credrotate/"}, WithSSMClient(client))
	require.NoError(t, err)

	path := "credentials/payments/api_key/20250301/abc"
	v1, err := v.Put(ctx, path, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "1", v1)
	v2, err := v.Put(ctx, path, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, "2", v2)
	assert.Contains(t, client.params, "/ops/credrotate/"+path)

	got, err := v.Get(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	got, err = v.Get(ctx, path, v1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	_, err = v.Get(ctx, path, "9")
	assert.ErrorIs(t, err, dserrors.ErrNotFound)

	// A superseded version cannot be removed on its own.
	require.NoError(t, v.Delete(ctx, path, v1))
	got, err = v.Get(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, v.Delete(ctx, path, v2))
	_, err = v.Get(ctx, path, "")
	assert.ErrorIs(t, err, dserrors.ErrNotFound)

	assert.ErrorIs(t, v.Delete(ctx, "credentials/none", ""), dserrors.ErrNotFound)
	_, err = v.Put(ctx, "/abs", []byte("x"))
	assert.Error(t, err)
}

func TestIsAWSNotFound(t *testing.T) {
	t.Parallel()
	assert.True(t, isAWSNotFound(&types.ResourceNotFoundException{}))
	assert.True(t, isAWSNotFound(&smithy.GenericAPIError{Code: "ResourceNotFoundException"}))
	assert.False(t, isAWSNotFound(&smithy.GenericAPIError{Code: "ThrottlingException"}))
	assert.False(t, isAWSNotFound(errBoom))
}

// --- GCP ---

type fakeSecretManager struct {
	secrets map[string]map[string][]byte
	n       map[string]int
	created int
}

func newFakeSecretManager() *fakeSecretManager {
	return &fakeSecretManager{secrets: map[string]map[string][]byte{}, n: map[string]int{}}
}

func (f *fakeSecretManager) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	name := req.GetParent() + "/secrets/" + req.GetSecretId()
	if _, ok := f.secrets[name]; ok {
		return nil, status.Error(codes.AlreadyExists, "exists")
	}
	if req.GetSecret().GetReplication().GetAutomatic() == nil {
		return nil, status.Error(codes.InvalidArgument, "replication required")
	}
	f.created++
	f.secrets[name] = map[string][]byte{}
	return &secretmanagerpb.Secret{Name: name}, nil
}

func (f *fakeSecretManager) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	s, ok := f.secrets[req.GetParent()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	f.n[req.GetParent()]++
	version := strconv.Itoa(f.n[req.GetParent()])
	s[version] = req.GetPayload().GetData()
	return &secretmanagerpb.SecretVersion{Name: req.GetParent() + "/versions/" + version}, nil
}

func (f *fakeSecretManager) split(name string) (string, string) {
	secret, version, _ := strings.Cut(name, "/versions/")
	return secret, version
}

func (f *fakeSecretManager) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	secret, version := f.split(req.GetName())
	s, ok := f.secrets[secret]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	if version == "latest" {
		version = ""
		for n := f.n[secret]; n > 0; n-- {
			if _, ok := s[strconv.Itoa(n)]; ok {
				version = strconv.Itoa(n)
				break
			}
		}
	}
	data, ok := s[version]
	if !ok {
		return nil, status.Error(codes.NotFound, "version not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: data}}, nil
}

func (f *fakeSecretManager) DestroySecretVersion(_ context.Context, req *secretmanagerpb.DestroySecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	secret, version := f.split(req.GetName())
	s, ok := f.secrets[secret]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	delete(s, version)
	return &secretmanagerpb.SecretVersion{Name: req.GetName()}, nil
}

func (f *fakeSecretManager) DeleteSecret(_ context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	if _, ok := f.secrets[req.GetName()]; !ok {
		return status.Error(codes.NotFound, "secret not found")
	}
	delete(f.secrets, req.GetName())
	return nil
}

func TestGCPVault(t *testing.T) {
	t.Parallel()

	client := newFakeSecretManager()
	v, err := NewGCPVault(context.Background(), GCPConfig{ProjectID: "proj"}, WithSecretManagerClient(client))
	require.NoError(t, err)
	backendConformance(t, v)
	assert.Equal(t, 1, client.created)

	assert.Equal(t, "projects/proj/secrets/credentials__a__b", v.secretName("credentials/a/b"))
}

// --- HashiCorp ---

var (
	_ KVClientAPI = (*api.KVv2)(nil)
	_ KVClientAPI = (*fakeKV)(nil)
)

type fakeKV struct {
	data map[string]map[int]string
	last map[string]int
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]map[int]string{}, last: map[string]int{}}
}

func (f *fakeKV) Put(_ context.Context, p string, data map[string]interface{}, _ ...api.KVOption) (*api.KVSecret, error) {
	if f.data[p] == nil {
		f.data[p] = map[int]string{}
	}
	f.last[p]++
	f.data[p][f.last[p]] = data[valueKey].(string)
	return &api.KVSecret{VersionMetadata: &api.KVVersionMetadata{Version: f.last[p]}}, nil
}

func (f *fakeKV) Get(ctx context.Context, p string) (*api.KVSecret, error) {
	versions, ok := f.data[p]
	if !ok {
		return nil, fmt.Errorf("%w: at %s", api.ErrSecretNotFound, p)
	}
	for n := f.last[p]; n > 0; n-- {
		if _, ok := versions[n]; ok {
			return f.GetVersion(ctx, p, n)
		}
	}
	return nil, fmt.Errorf("%w: at %s", api.ErrSecretNotFound, p)
}

func (f *fakeKV) GetVersion(_ context.Context, p string, version int) (*api.KVSecret, error) {
	value, ok := f.data[p][version]
	if !ok {
		return nil, fmt.Errorf("%w: at %s", api.ErrSecretNotFound, p)
	}
	return &api.KVSecret{
		Data:            map[string]interface{}{valueKey: value},
		VersionMetadata: &api.KVVersionMetadata{Version: version},
	}, nil
}

func (f *fakeKV) DeleteMetadata(_ context.Context, p string) error {
	if _, ok := f.data[p]; !ok {
		return &api.ResponseError{StatusCode: http.StatusNotFound}
	}
	delete(f.data, p)
	return nil
}

func (f *fakeKV) Destroy(_ context.Context, p string, versions []int) error {
	for _, n := range versions {
		delete(f.data[p], n)
	}
	return nil
}

func TestHashiCorpVault(t *testing.T) {
	t.Parallel()

	v, err := NewHashiCorpVault(HashiCorpConfig{}, WithKVClient(newFakeKV()))
	require.NoError(t, err)
	backendConformance(t, v)

	_, err = v.Get(context.Background(), "credentials/a", "not-a-number")
	assert.ErrorIs(t, err, dserrors.ErrValidation)
	assert.ErrorIs(t, v.Delete(context.Background(), "credentials/a", "x"), dserrors.ErrValidation)

	cfg := HashiCorpConfig{Address: "https://vault.internal:8200", Token: "hvs.root-token"}
	assert.NotContains(t, fmt.Sprintf("%v %+v", cfg, cfg), "hvs.root-token")
}
