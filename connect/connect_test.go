package connect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var pgInfo = Info{
	VendorType: PostgreSQL,
	AuthType:   AuthBasic,
	Host:       "localhost",
	Port:       5432,
	User:       "ferry",
	Password:   "hunter2",
	Database:   "analytics",
}

func TestMarshalMasksCredentials(t *testing.T) {
	var out, err = json.Marshal(pgInfo)
	require.NoError(t, err)
	require.Contains(t, string(out), `"password":"****"`)
	require.NotContains(t, string(out), "hunter2")

	var sf = Info{
		VendorType:         Snowflake,
		AccessToken:        "tok-secret",
		ServiceAccount:     `{"type":"service_account"}`,
		AWSAccessKeyID:     "AKIA123",
		AWSSecretAccessKey: "shhh",
	}
	out, err = json.Marshal(sf)
	require.NoError(t, err)
	for _, secret := range []string{"tok-secret", "AKIA123", "shhh"} {
		require.NotContains(t, string(out), secret)
	}
	require.Equal(t, 4, strings.Count(string(out), Masked))

	var masked map[string]any
	require.NoError(t, json.Unmarshal(out, &masked))
	require.Equal(t, Masked, masked["service_account"])
}

func TestUnmaskedJSONKeepsCredentials(t *testing.T) {
	var out, err = pgInfo.UnmaskedJSON()
	require.NoError(t, err)
	require.Contains(t, string(out), "hunter2")

	// Round-trips through the unmasked form.
	var back Info
	require.NoError(t, json.Unmarshal(out, &back))
	require.Equal(t, pgInfo, back)
}

func TestValidateBasicVendors(t *testing.T) {
	require.NoError(t, pgInfo.Validate(AsSource))

	// Destinations additionally need a target schema.
	require.Error(t, pgInfo.Validate(AsDestination))
	var dest = pgInfo
	dest.TargetSchema = "public"
	require.NoError(t, dest.Validate(AsDestination))

	var noPass = pgInfo
	noPass.Password = ""
	require.ErrorContains(t, noPass.Validate(AsSource), "password")

	// Auth scheme mismatch fails construction.
	var wrongAuth = pgInfo
	wrongAuth.AuthType = AuthAccessToken
	require.ErrorContains(t, wrongAuth.Validate(AsSource), "basic")
}

func TestValidateRedshiftDestinationStagingFields(t *testing.T) {
	var info = Info{
		VendorType:   Redshift,
		AuthType:     AuthBasic,
		Host:         "cluster.abc.us-east-1.redshift.amazonaws.com",
		Port:         5439,
		User:         "ferry",
		Password:     "pw",
		Database:     "dev",
		TargetSchema: "public",
	}
	require.NoError(t, info.Validate(AsSource))
	require.ErrorContains(t, info.Validate(AsDestination), "s3_")

	info.S3Bucket = "bkt"
	info.S3Region = "us-east-1"
	info.S3Prefix = "staging"
	info.IAMRole = "arn:aws:iam::1:role/load"
	info.AWSAccessKeyID = "AKIA"
	info.AWSSecretAccessKey = "secret"
	require.NoError(t, info.Validate(AsDestination))
}

func TestValidateSnowflakeAndBigQuery(t *testing.T) {
	var sf = Info{
		VendorType:  Snowflake,
		AuthType:    AuthAccessToken,
		User:        "ferry",
		AccessToken: "tok",
		Account:     "org-acct",
		Warehouse:   "wh",
		Database:    "db",
	}
	require.NoError(t, sf.Validate(AsSource))
	require.ErrorContains(t, sf.Validate(AsDestination), "stage_name")

	var bq = Info{
		VendorType:     BigQuery,
		ProjectID:      "proj",
		ServiceAccount: `{"type":"service_account","project_id":"proj"}`,
	}
	require.NoError(t, bq.Validate(AsSource))

	bq.ServiceAccount = "not json"
	require.ErrorContains(t, bq.Validate(AsSource), "service_account")
}

func TestValidateObjectStores(t *testing.T) {
	var s3 = Info{
		VendorType:         S3,
		S3Bucket:           "bkt",
		S3Region:           "us-east-1",
		S3Prefix:           "exports",
		AWSAccessKeyID:     "AKIA",
		AWSSecretAccessKey: "secret",
		Format:             "hive",
	}
	require.NoError(t, s3.Validate(AsDestination))

	s3.Format = "csv"
	require.ErrorContains(t, s3.Validate(AsDestination), "format")

	var gcs = Info{
		VendorType:     GCS,
		GCSBucketName:  "bkt",
		GCSBucketPath:  "exports",
		ServiceAccount: `{"type":"service_account"}`,
	}
	require.NoError(t, gcs.Validate(AsDestination))
}

func TestCheckVendor(t *testing.T) {
	require.NoError(t, pgInfo.CheckVendor(PostgreSQL))
	require.Error(t, pgInfo.CheckVendor(Snowflake))
}
