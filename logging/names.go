package logging

const (
	NameAPIServer                 = "APIServer"
	NameKeyLifecycleManager       = "KeyLifecycleManager"
	NameKeyStore                  = "KeyStore"
	NameMetricsHandler            = "MetricsHandler"
	NameMigrations                = "Migrations"
	NameRemoteSigner              = "RemoteSigner"
	NameSignerRegistry            = "SignerRegistry"
	NameSlashingProtectionStorage = "SlashingProtectionStorage"

	NameBadgerDBLog       = "BadgerDBLog"
	NameBadgerDBReporting = "BadgerDBReporting"
)
