// Package connect models vendor-tagged connection payloads shared by
// sources and destinations, including credential masking at serialization
// boundaries.
package connect

import (
	"encoding/json"
	"fmt"
)

// Vendor discriminates a connection payload.
type Vendor string

const (
	Memory     Vendor = "memory"
	PostgreSQL Vendor = "postgresql"
	Redshift   Vendor = "redshift"
	Snowflake  Vendor = "snowflake"
	BigQuery   Vendor = "bigquery"
	Console    Vendor = "console"
	S3         Vendor = "s3"
	GCS        Vendor = "gcs"
)

// AuthType names the credential scheme a vendor accepts.
type AuthType string

const (
	AuthBasic          AuthType = "basic"
	AuthAccessToken    AuthType = "access_token"
	AuthServiceAccount AuthType = "service_account"
)

// Masked is the replacement value for sensitive fields in serialized
// connection info.
const Masked = "****"

// Role distinguishes source from destination validation rules.
type Role int

const (
	AsSource Role = iota
	AsDestination
)

// Info is the union of all vendor connection payloads, discriminated by
// VendorType. Fields irrelevant to a vendor stay zero and are omitted from
// JSON. Marshalling masks credentials; use UnmaskedJSON to cross a trusted
// boundary.
type Info struct {
	VendorType Vendor   `json:"vendor_type"`
	AuthType   AuthType `json:"auth_type,omitempty"`

	// Basic SQL vendors.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`

	// Destination placement.
	TargetSchema string `json:"target_schema,omitempty"`

	// Snowflake.
	AccessToken string `json:"access_token,omitempty"`
	Account     string `json:"account,omitempty"`
	Warehouse   string `json:"warehouse,omitempty"`
	StageName   string `json:"stage_name,omitempty"`
	CreateStage bool   `json:"create_stage,omitempty"`
	DeleteStage bool   `json:"delete_stage,omitempty"`

	// BigQuery / GCS.
	ProjectID      string `json:"project_id,omitempty"`
	ServiceAccount string `json:"service_account,omitempty"`
	GCSBucketName  string `json:"gcs_bucket_name,omitempty"`
	GCSBucketPath  string `json:"gcs_bucket_path,omitempty"`

	// S3 / Redshift staging.
	S3Bucket           string `json:"s3_bucket,omitempty"`
	S3Region           string `json:"s3_region,omitempty"`
	S3Prefix           string `json:"s3_prefix,omitempty"`
	IAMRole            string `json:"iam_role,omitempty"`
	AWSAccessKeyID     string `json:"aws_access_key_id,omitempty"`
	AWSSecretAccessKey string `json:"aws_secret_access_key,omitempty"`

	// Object-store layout, staging or hive.
	Format string `json:"format,omitempty"`
	// Parquet compression codec for object-store files; empty means none.
	Compression string `json:"compression,omitempty"`

	// Memory source.
	Namespace string `json:"namespace,omitempty"`

	// Console destination.
	Limit int `json:"limit,omitempty"`
}

type infoAlias Info

// MarshalJSON masks credentials. Every serialization of connection info is
// masked unless it goes through UnmaskedJSON.
func (i Info) MarshalJSON() ([]byte, error) {
	var masked = i
	if masked.Password != "" {
		masked.Password = Masked
	}
	if masked.AccessToken != "" {
		masked.AccessToken = Masked
	}
	if masked.ServiceAccount != "" {
		masked.ServiceAccount = Masked
	}
	if masked.AWSAccessKeyID != "" {
		masked.AWSAccessKeyID = Masked
	}
	if masked.AWSSecretAccessKey != "" {
		masked.AWSSecretAccessKey = Masked
	}
	return json.Marshal(infoAlias(masked))
}

// UnmaskedJSON serializes the payload with credentials intact.
func (i Info) UnmaskedJSON() ([]byte, error) {
	return json.Marshal(infoAlias(i))
}

// CheckVendor verifies the payload's discriminator against the parent
// source or destination record.
func (i Info) CheckVendor(parent Vendor) error {
	if i.VendorType != parent {
		return fmt.Errorf("connection info vendor_type %q does not match record vendor_type %q",
			i.VendorType, parent)
	}
	return nil
}

// Validate checks per-vendor required fields and the credential scheme for
// the given role.
func (i Info) Validate(role Role) error {
	switch i.VendorType {
	case Memory:
		return nil
	case PostgreSQL, Redshift:
		if err := i.requireAuth(AuthBasic); err != nil {
			return err
		}
		if err := i.require(map[string]bool{
			"host":     i.Host != "",
			"port":     i.Port != 0,
			"user":     i.User != "",
			"password": i.Password != "",
			"database": i.Database != "",
		}); err != nil {
			return err
		}
		if role == AsDestination {
			var required = map[string]bool{"target_schema": i.TargetSchema != ""}
			if i.VendorType == Redshift {
				required["s3_bucket"] = i.S3Bucket != ""
				required["s3_region"] = i.S3Region != ""
				required["s3_prefix"] = i.S3Prefix != ""
				required["iam_role"] = i.IAMRole != ""
				required["aws_access_key_id"] = i.AWSAccessKeyID != ""
				required["aws_secret_access_key"] = i.AWSSecretAccessKey != ""
			}
			return i.require(required)
		}
		return nil
	case Snowflake:
		if err := i.requireAuth(AuthAccessToken); err != nil {
			return err
		}
		var required = map[string]bool{
			"user":         i.User != "",
			"access_token": i.AccessToken != "",
			"account":      i.Account != "",
			"warehouse":    i.Warehouse != "",
			"database":     i.Database != "",
		}
		if role == AsDestination {
			required["target_schema"] = i.TargetSchema != ""
			required["stage_name"] = i.StageName != ""
		}
		return i.require(required)
	case BigQuery:
		if err := i.requireAuth(AuthServiceAccount); err != nil {
			return err
		}
		var required = map[string]bool{
			"project_id":      i.ProjectID != "",
			"service_account": i.ServiceAccount != "",
		}
		if role == AsDestination {
			required["target_schema"] = i.TargetSchema != ""
			required["gcs_bucket_name"] = i.GCSBucketName != ""
			required["gcs_bucket_path"] = i.GCSBucketPath != ""
		}
		if err := i.require(required); err != nil {
			return err
		}
		return i.validateServiceAccount()
	case S3:
		if err := i.requireAuth(AuthBasic); err != nil {
			return err
		}
		if err := i.require(map[string]bool{
			"s3_bucket":             i.S3Bucket != "",
			"s3_region":             i.S3Region != "",
			"s3_prefix":             i.S3Prefix != "",
			"aws_access_key_id":     i.AWSAccessKeyID != "",
			"aws_secret_access_key": i.AWSSecretAccessKey != "",
		}); err != nil {
			return err
		}
		return validateFormat(i.Format)
	case GCS:
		if err := i.requireAuth(AuthServiceAccount); err != nil {
			return err
		}
		if err := i.require(map[string]bool{
			"gcs_bucket_name": i.GCSBucketName != "",
			"gcs_bucket_path": i.GCSBucketPath != "",
			"service_account": i.ServiceAccount != "",
		}); err != nil {
			return err
		}
		if err := i.validateServiceAccount(); err != nil {
			return err
		}
		return validateFormat(i.Format)
	case Console:
		return nil
	default:
		return fmt.Errorf("unknown vendor_type %q", i.VendorType)
	}
}

func (i Info) requireAuth(want AuthType) error {
	if i.AuthType != "" && i.AuthType != want {
		return fmt.Errorf("vendor %s requires auth_type %q, got %q", i.VendorType, want, i.AuthType)
	}
	return nil
}

func (i Info) require(fields map[string]bool) error {
	for name, present := range fields {
		if !present {
			return fmt.Errorf("vendor %s: missing required field %q", i.VendorType, name)
		}
	}
	return nil
}

func (i Info) validateServiceAccount() error {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(i.ServiceAccount), &decoded); err != nil {
		return fmt.Errorf("vendor %s: service_account is not valid JSON: %w", i.VendorType, err)
	}
	return nil
}

func validateFormat(format string) error {
	switch format {
	case "", "staging", "hive":
		return nil
	default:
		return fmt.Errorf("format must be staging or hive, got %q", format)
	}
}
