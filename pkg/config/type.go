package config

type MeterCollectorConfig struct {
	InterpreterAPIHost string `toml:"interpreter_api_host"`
	TLSEnabled         bool   `toml:"tls_enabled"`
}

type InterpreterAPIConfig struct {
	SerialDevice  string `toml:"serial_device"`
	Baudrate      uint   `toml:"baudrate"`
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`

	// B-route credentials issued by the power company.
	// Can be overridden with ROUTEB_ID / ROUTEB_PASSWORD env vars.
	RouteBID       string `toml:"routeb_id"`
	RouteBPassword string `toml:"routeb_password"`

	// Active scan duration exponents handed to SKSCAN.
	// Scanning starts at the initial duration and grows until a
	// meter responds or the max is reached.
	ScanInitialDuration uint8 `toml:"scan_initial_duration"`
	ScanMaxDuration     uint8 `toml:"scan_max_duration"`

	// Seconds between meter property polls
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// Seconds before a pending serial read is abandoned
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`

	SolarInverterIp         string `toml:"solar_inverter_ip"`
	SolarInverterModbusPort int    `toml:"solar_inverter_modbus_port"`
	// Should be named `preconfigured`
	// Check with `nmcli device status`
	WlanConnectionId string `toml:"wlan_connection_id"`
}
