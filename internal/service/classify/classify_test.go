package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/autostack/autostack/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDetect(t *testing.T) {
	t.Run("static repo", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "index.html", "<html></html>")
		strategy, err := Detect(dir)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if strategy.Kind != domain.StrategyStatic {
			t.Fatalf("expected static, got %s", strategy.Kind)
		}
	})

	t.Run("node repo", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"name":"app"}`)
		strategy, err := Detect(dir)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if strategy.Kind != domain.StrategyNodeJS {
			t.Fatalf("expected nodejs, got %s", strategy.Kind)
		}
	})

	t.Run("dockerfile wins over package.json", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"name":"app"}`)
		writeFile(t, dir, "Dockerfile", "FROM node:18\n")
		for i := 0; i < 10; i++ {
			strategy, err := Detect(dir)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if strategy.Kind != domain.StrategyDocker {
				t.Fatalf("expected docker, got %s", strategy.Kind)
			}
		}
	})

	t.Run("plain base image is not lambda", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "Dockerfile", "FROM node:18\nCOPY . .\n")
		strategy, err := Detect(dir)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if strategy.Lambda {
			t.Fatal("node:18 should not classify as lambda")
		}
	})

	t.Run("lambda base images", func(t *testing.T) {
		images := []string{
			"public.ecr.aws/lambda/python:3.12",
			"public.ecr.aws/lambda/nodejs:20",
			"public.ecr.aws/lambda/go:1",
			"public.ecr.aws/lambda/java:21",
			"public.ecr.aws/lambda/dotnet:8",
			"public.ecr.aws/lambda/ruby:3.2",
			"public.ecr.aws/lambda/provided:al2023",
			"amazon/aws-lambda-python:3.12",
			"ghcr.io/acme/custom-aws-lambda-runtime:latest",
		}
		for _, image := range images {
			dir := t.TempDir()
			writeFile(t, dir, "Dockerfile", "FROM "+image+"\nCMD [\"handler\"]\n")
			strategy, err := Detect(dir)
			if err != nil {
				t.Fatalf("Detect(%s): %v", image, err)
			}
			if strategy.Kind != domain.StrategyDocker || !strategy.Lambda {
				t.Fatalf("expected docker+lambda for %s, got %+v", image, strategy)
			}
		}
	})

	t.Run("multi stage with platform flag", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "Dockerfile", "FROM --platform=linux/amd64 golang:1.22 AS build\nFROM public.ecr.aws/lambda/go:1\n")
		strategy, err := Detect(dir)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if !strategy.Lambda {
			t.Fatal("final lambda stage should classify as lambda")
		}
	})
}

func TestInspectNode(t *testing.T) {
	t.Run("pnpm lockfile", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"scripts":{"build":"vite build"}}`)
		writeFile(t, dir, "pnpm-lock.yaml", "\n")
		project, err := InspectNode(dir)
		if err != nil {
			t.Fatalf("InspectNode: %v", err)
		}
		if project.PackageManager != "pnpm" {
			t.Fatalf("expected pnpm, got %s", project.PackageManager)
		}
		if !project.HasBuildScript {
			t.Fatal("expected build script")
		}
	})

	t.Run("yarn lockfile", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{}`)
		writeFile(t, dir, "yarn.lock", "\n")
		project, err := InspectNode(dir)
		if err != nil {
			t.Fatalf("InspectNode: %v", err)
		}
		if project.PackageManager != "yarn" {
			t.Fatalf("expected yarn, got %s", project.PackageManager)
		}
		if project.HasBuildScript {
			t.Fatal("no build script expected")
		}
	})

	t.Run("npm ci with lockfile", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{}`)
		writeFile(t, dir, "package-lock.json", "{}")
		project, err := InspectNode(dir)
		if err != nil {
			t.Fatalf("InspectNode: %v", err)
		}
		if got := project.InstallCommand[1]; got != "ci" {
			t.Fatalf("expected npm ci, got npm %s", got)
		}
	})

	t.Run("npm install without lockfile", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{}`)
		project, err := InspectNode(dir)
		if err != nil {
			t.Fatalf("InspectNode: %v", err)
		}
		if got := project.InstallCommand[1]; got != "install" {
			t.Fatalf("expected npm install, got npm %s", got)
		}
	})
}
