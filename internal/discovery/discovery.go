// Package discovery broadcasts and listens for encrypted UDP multicast
// beacons advertising a node's transport address, feeding discovered
// peers into an internal/peerstore.Store. Beacons are sealed under a
// shared symmetric key so only nodes holding it can join the mesh via
// LAN discovery.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/QORP-community/qorp-go/internal/node"
	"github.com/QORP-community/qorp-go/internal/peerstore"
)

// beaconMagic tags an encrypted beacon packet.
var beaconMagic = []byte("QPBC1")

// Beacon is what each node advertises on the multicast group: its
// address and the libp2p multiaddr(s) a peer can dial to reach it.
type Beacon struct {
	Addr      node.Address `json:"addr"`
	Multiaddr string       `json:"multiaddr"`
	Hostname  string       `json:"hostname"`
	TS        int64        `json:"ts"`
}

// encryptBeacon seals v as JSON under key with a fresh random nonce.
func encryptBeacon(v any, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	out := make([]byte, 0, len(beaconMagic)+len(nonce)+len(ct))
	out = append(out, beaconMagic...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

func decryptBeacon(pkt []byte, key []byte, out any) error {
	if len(pkt) <= len(beaconMagic)+chacha20poly1305.NonceSizeX {
		return errors.New("discovery: beacon packet too short")
	}
	if string(pkt[:len(beaconMagic)]) != string(beaconMagic) {
		return errors.New("discovery: bad beacon magic")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := pkt[len(beaconMagic) : len(beaconMagic)+chacha20poly1305.NonceSizeX]
	ct := pkt[len(beaconMagic)+chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(plain, out)
}

// Interface is a chosen NIC/IP pair to bind the multicast socket to.
type Interface struct {
	Iface *net.Interface
	IP    net.IP
}

var ErrNoIface = errors.New("discovery: no suitable IPv4 interface found")

// PickInterface selects the NIC used for multicast discovery: forced
// by name, else by containing CIDR, else the first up non-loopback
// IPv4 interface.
func PickInterface(ifaceName, subnetCIDR string) (*Interface, error) {
	if ifaceName != "" {
		ifi, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, err
		}
		ip := firstIPv4(ifi)
		if ip == nil {
			return nil, fmt.Errorf("discovery: interface %s has no IPv4 address", ifaceName)
		}
		return &Interface{Iface: ifi, IP: ip}, nil
	}

	if subnetCIDR != "" {
		_, target, err := net.ParseCIDR(subnetCIDR)
		if err != nil {
			return nil, err
		}
		ifaces, _ := net.Interfaces()
		for i := range ifaces {
			ifi := &ifaces[i]
			addrs, _ := ifi.Addrs()
			for _, a := range addrs {
				ip, ok := ipv4Of(a)
				if ok && target.Contains(ip) {
					return &Interface{Iface: ifi, IP: ip}, nil
				}
			}
		}
	}

	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip := firstIPv4(ifi); ip != nil {
			return &Interface{Iface: ifi, IP: ip}, nil
		}
	}
	return nil, ErrNoIface
}

func firstIPv4(ifi *net.Interface) net.IP {
	addrs, _ := ifi.Addrs()
	for _, a := range addrs {
		if ip, ok := ipv4Of(a); ok {
			return ip
		}
	}
	return nil
}

func ipv4Of(a net.Addr) (net.IP, bool) {
	switch v := a.(type) {
	case *net.IPNet:
		if ip := v.IP.To4(); ip != nil {
			return ip, true
		}
	case *net.IPAddr:
		if ip := v.IP.To4(); ip != nil {
			return ip, true
		}
	}
	return nil, false
}

// Broadcaster periodically sends an encrypted beacon advertising self
// on the configured multicast group.
func Broadcaster(ctx context.Context, group string, port int, iface *Interface, interval time.Duration, beaconKey []byte, self node.Address, multiaddr, hostname string) error {
	addr := fmt.Sprintf("%s:%d", group, port)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	local := &net.UDPAddr{IP: iface.IP, Port: 0}
	conn, err := net.DialUDP("udp", local, udpAddr)
	if err != nil {
		return err
	}
	log.Printf("[discovery] broadcasting -> %s via iface=%s ip=%s", addr, iface.Iface.Name, iface.IP)

	ticker := time.NewTicker(interval)
	go func() {
		defer conn.Close()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b := Beacon{Addr: self, Multiaddr: multiaddr, Hostname: hostname, TS: time.Now().Unix()}
				pkt, err := encryptBeacon(b, beaconKey)
				if err != nil {
					log.Printf("[discovery] beacon encrypt failed: %v", err)
					continue
				}
				if _, err := conn.Write(pkt); err != nil {
					log.Printf("[discovery] beacon write failed: %v", err)
				}
			}
		}
	}()
	return nil
}

// Listener joins the multicast group, decrypts inbound beacons and
// upserts them into store. Beacons from self are skipped.
func Listener(ctx context.Context, group string, port int, iface *Interface, beaconKey []byte, store *peerstore.Store, self node.Address) error {
	groupIP := net.ParseIP(group)
	if groupIP == nil {
		return fmt.Errorf("discovery: invalid multicast group %s", group)
	}
	laddr := &net.UDPAddr{IP: groupIP, Port: port}
	conn, err := net.ListenMulticastUDP("udp", iface.Iface, laddr)
	if err != nil {
		return err
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		return err
	}
	log.Printf("[discovery] listening on %s:%d via iface=%s", group, port, iface.Iface.Name)

	go func() {
		defer conn.Close()
		buf := make([]byte, 65535)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				n, _, err := conn.ReadFromUDP(buf)
				if err != nil {
					if ne, ok := err.(net.Error); ok && ne.Timeout() {
						continue
					}
					log.Printf("[discovery] read error: %v", err)
					continue
				}
				var b Beacon
				if err := decryptBeacon(buf[:n], beaconKey, &b); err != nil {
					continue
				}
				if b.Addr == self {
					continue
				}
				store.Upsert(peerstore.Record{
					Addr:      b.Addr,
					Multiaddr: b.Multiaddr,
					Hostname:  b.Hostname,
					LastSeen:  time.Now(),
				})
				log.Printf("[discovery] seen peer=%s addr=%s", b.Addr, b.Multiaddr)
			}
		}
	}()
	return nil
}
