// Command cmantool is the local client-API CLI: it dials a running
// cmand's Unix sockets and issues the same requests an application
// linking the client API would.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cuemby/cman/pkg/client"
	"github.com/spf13/cobra"
)

const nodeNameFieldSize = 32

var (
	Version      = "dev"
	clientSocket string
	adminSocket  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cmantool",
	Short:   "cmantool - query and administer a running cmand",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&clientSocket, "client-socket", "/var/run/cman_client", "Client API socket path")
	rootCmd.PersistentFlags().StringVar(&adminSocket, "admin-socket", "/var/run/cman_admin", "Privileged client API socket path")

	rootCmd.AddCommand(statusCmd, nodesCmd, quorumCmd, killCmd, setVotesCmd, setExpectedCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster name, id, quorum and member count",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, payload, err := dial(clientSocket, client.CmdClusterInfo, nil)
		if err != nil {
			return err
		}
		name := trimNulls(payload[:nodeNameFieldSize])
		rest := payload[nodeNameFieldSize:]
		clusterID := binary.BigEndian.Uint16(rest[0:2])
		quorum := binary.BigEndian.Uint32(rest[2:6])
		quorate := rest[6] == 1
		members := binary.BigEndian.Uint32(rest[7:11])
		generation := binary.BigEndian.Uint64(rest[11:19])

		fmt.Printf("Cluster name:   %s\n", name)
		fmt.Printf("Cluster id:     %d\n", clusterID)
		fmt.Printf("Generation:     %d\n", generation)
		fmt.Printf("Members:        %d\n", members)
		fmt.Printf("Quorum:         %d\n", quorum)
		fmt.Printf("Quorate:        %v\n", quorate)
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster members",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, payload, err := dial(clientSocket, client.CmdAllMembers, nil)
		if err != nil {
			return err
		}
		count := binary.BigEndian.Uint32(payload[0:4])
		off := 4
		fmt.Printf("%-6s %-6s %-8s %-10s %s\n", "NodeID", "Votes", "ExpVotes", "State", "Name")
		for i := uint32(0); i < count; i++ {
			nodeID := int32(binary.BigEndian.Uint32(payload[off : off+4]))
			votes := payload[off+4]
			expVotes := binary.BigEndian.Uint32(payload[off+5 : off+9])
			state := payload[off+9]
			name := trimNulls(payload[off+10 : off+10+nodeNameFieldSize])
			off += 10 + nodeNameFieldSize
			fmt.Printf("%-6d %-6d %-8d %-10s %s\n", nodeID, votes, expVotes, stateName(state), name)
		}
		return nil
	},
}

var quorumCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Report whether the local node currently sees quorum",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, payload, err := dial(clientSocket, client.CmdIsQuorate, nil)
		if err != nil {
			return err
		}
		if payload[0] == 1 {
			fmt.Println("Quorate")
			return nil
		}
		fmt.Println("Not quorate")
		os.Exit(1)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [node-id]",
	Short: "Forcibly evict a node from the cluster (admin socket only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var nodeID int32
		if _, err := fmt.Sscanf(args[0], "%d", &nodeID); err != nil {
			return fmt.Errorf("invalid node id %q: %w", args[0], err)
		}
		body := make([]byte, 6)
		binary.BigEndian.PutUint32(body[0:4], uint32(nodeID))
		status, _, err := dial(adminSocket, client.CmdKillNode, body)
		if err != nil {
			return err
		}
		return statusErr(status)
	},
}

var setVotesCmd = &cobra.Command{
	Use:   "set-votes [node-id] [votes]",
	Short: "Change a node's vote count (admin socket only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reconfigure(args, client.CmdSetVotes)
	},
}

var setExpectedCmd = &cobra.Command{
	Use:   "set-expected-votes [node-id] [votes]",
	Short: "Change a node's expected_votes (admin socket only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reconfigure(args, client.CmdSetExpectedVotes)
	},
}

func reconfigure(args []string, cmd client.Command) error {
	var nodeID int32
	var value uint32
	if _, err := fmt.Sscanf(args[0], "%d", &nodeID); err != nil {
		return fmt.Errorf("invalid node id %q: %w", args[0], err)
	}
	if _, err := fmt.Sscanf(args[1], "%d", &value); err != nil {
		return fmt.Errorf("invalid value %q: %w", args[1], err)
	}
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(nodeID))
	binary.BigEndian.PutUint32(body[4:8], value)
	status, _, err := dial(adminSocket, cmd, body)
	if err != nil {
		return err
	}
	return statusErr(status)
}

func statusErr(status client.Status) error {
	if status == client.StatusOK {
		return nil
	}
	return fmt.Errorf("cmand returned status %d", status)
}

func stateName(code byte) string {
	switch code {
	case 1:
		return "MEMBER"
	case 2:
		return "DEAD"
	case 3:
		return "LEAVING"
	case 4:
		return "AISONLY"
	default:
		return "JOINING"
	}
}

func trimNulls(b []byte) []byte {
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return b[:end]
}

// dial opens a fresh connection, sends one request and reads one reply.
// cmantool is a one-shot CLI, so there is no connection pooling; every
// invocation pays one Unix-socket round trip.
func dial(path string, cmd client.Command, body []byte) (client.Status, []byte, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return 0, nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()

	header := make([]byte, client.HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], client.Magic)
	binary.BigEndian.PutUint32(header[4:8], client.Version)
	binary.BigEndian.PutUint32(header[8:12], uint32(client.HeaderSize+len(body)))
	binary.BigEndian.PutUint32(header[12:16], cmd.WireCode())
	binary.BigEndian.PutUint32(header[16:20], 0)

	if _, err := conn.Write(header); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return 0, nil, fmt.Errorf("write request body: %w", err)
		}
	}

	replyHeader := make([]byte, client.HeaderSize)
	if _, err := io.ReadFull(conn, replyHeader); err != nil {
		return 0, nil, fmt.Errorf("read reply header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(replyHeader[0:4]); magic != client.Magic {
		return 0, nil, fmt.Errorf("bad reply magic %#x", magic)
	}
	length := binary.BigEndian.Uint32(replyHeader[8:12])

	rest := make([]byte, int(length)-client.HeaderSize)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return 0, nil, fmt.Errorf("read reply body: %w", err)
	}
	status := client.Status(int32(binary.BigEndian.Uint32(rest[0:4])))
	return status, rest[4:], nil
}
