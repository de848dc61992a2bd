// Package domain_test provides architecture boundary tests to ensure clean architecture principles
package domain_test

import (
	"go/build"
	"strings"
	"testing"
)

// TestNoDomainInfrastructureDependencies ensures domain layer doesn't depend on infrastructure
func TestNoDomainInfrastructureDependencies(t *testing.T) {
	// List of domain packages to check
	domainPackages := []string{
		"github.com/stepflow-io/stepflow/pkg/domain/errors",
		"github.com/stepflow-io/stepflow/pkg/domain/forms",
		"github.com/stepflow-io/stepflow/pkg/domain/process",
		"github.com/stepflow-io/stepflow/pkg/domain/signal",
		"github.com/stepflow-io/stepflow/pkg/domain/workflow",
	}

	// Forbidden imports in domain layer
	forbiddenImports := []string{
		"/infrastructure/",
		"/engine",
		"/api/",
		"os/exec",
		"database/sql",
		"net/http",
	}

	for _, pkgPath := range domainPackages {
		t.Run(pkgPath, func(t *testing.T) {
			pkg, err := build.Import(pkgPath, "", build.IgnoreVendor)
			if err != nil {
				t.Skipf("Skipping %s: %v", pkgPath, err)
				return
			}

			// Check all imports
			for _, imp := range pkg.Imports {
				for _, forbidden := range forbiddenImports {
					if strings.Contains(imp, forbidden) {
						t.Errorf("Domain package %s imports forbidden dependency: %s", pkgPath, imp)
					}
				}
			}
		})
	}
}

// TestLayerDependencyDirection ensures dependencies only flow in the correct direction
func TestLayerDependencyDirection(t *testing.T) {
	// Infrastructure should not import from the engine or api layers
	infrastructurePackages := []string{
		"github.com/stepflow-io/stepflow/pkg/infrastructure/broadcast",
		"github.com/stepflow-io/stepflow/pkg/infrastructure/executor",
		"github.com/stepflow-io/stepflow/pkg/infrastructure/locking",
		"github.com/stepflow-io/stepflow/pkg/infrastructure/persistence/procstore",
	}

	forbiddenForInfra := []string{
		"/engine",
		"/api/",
	}

	for _, pkgPath := range infrastructurePackages {
		t.Run(pkgPath, func(t *testing.T) {
			pkg, err := build.Import(pkgPath, "", build.IgnoreVendor)
			if err != nil {
				t.Skipf("Skipping %s: %v", pkgPath, err)
				return
			}

			// Check all imports
			for _, imp := range pkg.Imports {
				for _, forbidden := range forbiddenForInfra {
					if strings.Contains(imp, forbidden) {
						t.Errorf("Infrastructure package %s imports from higher layer: %s", pkgPath, imp)
					}
				}
			}
		})
	}
}
