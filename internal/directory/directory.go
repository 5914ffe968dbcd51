// Package directory resolves students and billing packages through the
// school-service collaborator.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

const lookupTimeout = 5 * time.Second

type StudentProfile struct {
	StudentID  string          `json:"student_id"`
	Currency   string          `json:"currency"`
	EnrolledAt time.Time       `json:"enrolled_at"`
	MonthlyFee decimal.Decimal `json:"monthly_fee"`
}

type PackageInfo struct {
	PackageID      string          `json:"package_id"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	DurationMonths int             `json:"duration_months"`
}

type Directory interface {
	Student(ctx context.Context, studentID string) (*StudentProfile, error)
	Package(ctx context.Context, packageID string) (*PackageInfo, error)
}

// NATSDirectory queries the school service over request/reply.
type NATSDirectory struct {
	nc *nats.Conn
}

func NewNATSDirectory(nc *nats.Conn) *NATSDirectory {
	return &NATSDirectory{nc: nc}
}

func (d *NATSDirectory) Student(ctx context.Context, studentID string) (*StudentProfile, error) {
	var profile StudentProfile
	if err := d.request("students.lookup", map[string]string{"student_id": studentID}, &profile); err != nil {
		return nil, fmt.Errorf("student lookup %s: %w", studentID, err)
	}
	return &profile, nil
}

func (d *NATSDirectory) Package(ctx context.Context, packageID string) (*PackageInfo, error) {
	var pkg PackageInfo
	if err := d.request("packages.lookup", map[string]string{"package_id": packageID}, &pkg); err != nil {
		return nil, fmt.Errorf("package lookup %s: %w", packageID, err)
	}
	return &pkg, nil
}

func (d *NATSDirectory) request(subject string, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := d.nc.Request(subject, payload, lookupTimeout)
	if err != nil {
		return err
	}
	return json.Unmarshal(msg.Data, out)
}

// StaticDirectory serves fixed profiles; used by tests and local runs
// without the school service.
type StaticDirectory struct {
	mu       sync.RWMutex
	students map[string]StudentProfile
	packages map[string]PackageInfo
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		students: make(map[string]StudentProfile),
		packages: make(map[string]PackageInfo),
	}
}

func (d *StaticDirectory) PutStudent(p StudentProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.students[p.StudentID] = p
}

func (d *StaticDirectory) PutPackage(p PackageInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packages[p.PackageID] = p
}

func (d *StaticDirectory) Student(ctx context.Context, studentID string) (*StudentProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.students[studentID]
	if !ok {
		return nil, fmt.Errorf("student %s not found", studentID)
	}
	return &p, nil
}

func (d *StaticDirectory) Package(ctx context.Context, packageID string) (*PackageInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.packages[packageID]
	if !ok {
		return nil, fmt.Errorf("package %s not found", packageID)
	}
	return &p, nil
}
