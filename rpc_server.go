package galvoscan

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ScanControl is the RPC service that operates one ScanSession.
type ScanControl struct {
	session *ScanSession
	persist bool // save parameters to the config file after each change
}

// NewScanControl returns the RPC service for session. If persist is true,
// accepted parameter changes are written to the viper config file under
// the "scan" key.
func NewScanControl(session *ScanSession, persist bool) *ScanControl {
	return &ScanControl{session: session, persist: persist}
}

// ScanParametersFromConfig returns the parameters stored under the "scan" key
// of the viper configuration, starting from DefaultScanParameters for any
// that are missing.
func ScanParametersFromConfig() (ScanParameters, error) {
	p := DefaultScanParameters()
	if !viper.IsSet("scan") {
		return p, nil
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := viper.UnmarshalKey("scan", &p, hook); err != nil {
		return p, fmt.Errorf("reading scan parameters from %s: %w", viper.ConfigFileUsed(), err)
	}
	return p, p.Validate()
}

func (sc *ScanControl) saveParams() {
	if !sc.persist {
		return
	}
	viper.Set("scan", sc.session.Params())
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("Could not save scan parameters to config file: %v", err)
	}
}

// Start starts scanning. It is not an error if the session is already running.
func (sc *ScanControl) Start(dummy *string, reply *bool) error {
	err := sc.session.Start()
	*reply = (err == nil)
	return err
}

// Stop stops scanning. It is not an error if the session is already idle.
func (sc *ScanControl) Stop(dummy *string, reply *bool) error {
	err := sc.session.Stop()
	*reply = (err == nil)
	return err
}

// ParameterArgs names one scan parameter and its new value as text.
type ParameterArgs struct {
	Field string
	Value string
}

// SetParameter changes one parameter; see ScanSession.SetParameter.
func (sc *ScanControl) SetParameter(args *ParameterArgs, reply *bool) error {
	UpdateLogger.Printf("SetParameter: %s=%s", args.Field, args.Value)
	err := sc.session.SetParameter(args.Field, args.Value)
	*reply = (err == nil)
	if err == nil {
		sc.saveParams()
	}
	return err
}

// Configure replaces every parameter at once.
func (sc *ScanControl) Configure(args *ScanParameters, reply *bool) error {
	err := sc.session.Configure(*args)
	*reply = (err == nil)
	if err == nil {
		sc.saveParams()
	}
	return err
}

// GetStatus returns a snapshot of the session.
func (sc *ScanControl) GetStatus(dummy *string, reply *SessionStatus) error {
	*reply = sc.session.Status()
	return nil
}

// GetParameterNames lists the names accepted by SetParameter.
func (sc *ScanControl) GetParameterNames(dummy *string, reply *[]string) error {
	*reply = ParameterNames()
	return nil
}

// WriteControl starts, stops, pauses or unpauses writing frames to disk.
func (sc *ScanControl) WriteControl(config *WriteControlConfig, reply *bool) error {
	err := sc.session.WriteControl(config)
	*reply = (err == nil)
	return err
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (sc *ScanControl) SendAllStatus(dummy *string, reply *bool) error {
	sc.session.broadcastStatus()
	broadcast("SCANPARAMS", sc.session.Params())
	broadcast("WRITING", sc.session.ComputeWritingState())
	broadcast("SENDALL", 0)
	*reply = true
	return nil
}

// RunRPCServer serves ScanControl for session as JSON-RPC on portrpc, and
// broadcasts the session status every 2 seconds, until abort is closed.
func RunRPCServer(session *ScanSession, portrpc int, abort <-chan struct{}) error {
	scanControl := NewScanControl(session, true)
	server := rpc.NewServer()
	if err := server.Register(scanControl); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				listener.Close()
				return
			case <-ticker.C:
				session.broadcastStatus()
			}
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return nil
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}
		UpdateLogger.Printf("New RPC connection from %s", conn.RemoteAddr())
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
